package codec

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Table 按名称索引服务描述，也可以按 SID 查找
type Table struct {
	services map[string]*Service
}

func NewTable() *Table {
	return &Table{services: make(map[string]*Service)}
}

// Add 校验并加入服务，同名服务被替换
func (t *Table) Add(s Service) error {
	if err := s.validate(); err != nil {
		return err
	}
	t.services[s.Name] = &s
	return nil
}

func (t *Table) Lookup(name string) (*Service, bool) {
	s, ok := t.services[name]
	return s, ok
}

// BySID 返回该 SID 下的全部服务，按名称排序
func (t *Table) BySID(sid byte) []*Service {
	var out []*Service
	for _, s := range t.services {
		if s.SID == sid {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Table) Names() []string {
	names := make([]string, 0, len(t.services))
	for n := range t.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t *Table) Len() int { return len(t.services) }

// Merge 把 other 的服务加入 t
func (t *Table) Merge(other *Table) {
	for name, s := range other.services {
		t.services[name] = s
	}
}

type document struct {
	Services []Service `yaml:"services"`
}

// LoadYAML 读取服务描述文件
func LoadYAML(r io.Reader) (*Table, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode service table: %w", err)
	}
	t := NewTable()
	for _, s := range doc.Services {
		if _, dup := t.services[s.Name]; dup {
			return nil, fmt.Errorf("duplicate service %q", s.Name)
		}
		if err := t.Add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadYAML(f)
}

// Standard 返回内置的 ISO 14229 常用服务
func Standard() *Table {
	t := NewTable()
	for _, s := range standardServices {
		if err := t.Add(s); err != nil {
			panic(err)
		}
	}
	return t
}

func session(name string, sub uint64) Service {
	return Service{
		Name:    name,
		SID:     0x10,
		Request: []Field{{Name: "session", Role: RoleSubfunction, Width: 1, Value: sub}},
		Response: []Field{
			{Name: "session", Role: RoleSubfunction, Width: 1, Value: sub},
			{Name: "timing", Role: RoleParam, Encoding: EncodingBytes},
		},
	}
}

func readDID(name string, did uint64, width int, enc Encoding) Service {
	return Service{
		Name:    name,
		SID:     0x22,
		Request: []Field{{Name: "did", Role: RoleDID, Width: 2, Value: did}},
		Response: []Field{
			{Name: "did", Role: RoleDID, Width: 2, Value: did},
			{Name: "value", Role: RoleParam, Width: width, Encoding: enc},
		},
	}
}

var standardServices = []Service{
	session("DefaultSession", 0x01),
	session("ProgrammingSession", 0x02),
	session("ExtendedSession", 0x03),
	{
		Name:     "TesterPresent",
		SID:      0x3E,
		Request:  []Field{{Name: "zero", Role: RoleSubfunction, Width: 1, Value: 0x00}},
		Response: []Field{{Name: "zero", Role: RoleSubfunction, Width: 1, Value: 0x00}},
	},
	{
		Name:     "HardReset",
		SID:      0x11,
		Request:  []Field{{Name: "type", Role: RoleSubfunction, Width: 1, Value: 0x01}},
		Response: []Field{{Name: "type", Role: RoleSubfunction, Width: 1, Value: 0x01}},
	},
	readDID("ReadActiveSession", 0xF186, 1, EncodingUint),
	readDID("ReadSparePartNumber", 0xF187, 0, EncodingASCII),
	readDID("ReadSoftwareVersion", 0xF189, 0, EncodingASCII),
	readDID("ReadVIN", 0xF190, 17, EncodingASCII),
	{
		Name: "WriteVIN",
		SID:  0x2E,
		Request: []Field{
			{Name: "did", Role: RoleDID, Width: 2, Value: 0xF190},
			{Name: "vin", Role: RoleParam, Width: 17, Encoding: EncodingASCII},
		},
		Response: []Field{{Name: "did", Role: RoleDID, Width: 2, Value: 0xF190}},
	},
	{
		Name:    "ClearAllDTC",
		SID:     0x14,
		Request: []Field{{Name: "group", Role: RoleConst, Width: 3, Value: 0xFFFFFF}},
	},
}
