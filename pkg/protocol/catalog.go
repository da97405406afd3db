// Package protocol describes which commands and events each remote type
// supports.
package protocol

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed protocol.yml
var defaultProtocol []byte

//go:embed schema.json
var schemaJSON []byte

// ErrInvalidCatalog wraps every validation failure.
var ErrInvalidCatalog = errors.New("invalid protocol catalog")

// Member is a command or event signature. Field types are kept as the
// description spells them.
type Member struct {
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Returns    map[string]any `yaml:"returns,omitempty" json:"returns,omitempty"`
}

// Interface describes one remote type.
type Interface struct {
	Name        string             `yaml:"-" json:"name"`
	Type        string             `yaml:"type" json:"type"`
	Extends     string             `yaml:"extends,omitempty" json:"extends,omitempty"`
	Initializer map[string]any     `yaml:"initializer,omitempty" json:"initializer,omitempty"`
	Commands    map[string]*Member `yaml:"commands,omitempty" json:"commands,omitempty"`
	Events      map[string]*Member `yaml:"events,omitempty" json:"events,omitempty"`
}

// Catalog is a validated protocol description.
type Catalog struct {
	interfaces map[string]*Interface
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = Load(defaultProtocol)
	})
	return defaultCatalog, defaultErr
}

// LoadFile reads a description from disk. JSON files are valid YAML.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data)
}

// Load parses and validates a description.
func Load(data []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	var raw map[string]*Interface
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	c := &Catalog{interfaces: make(map[string]*Interface, len(raw))}
	for name, iface := range raw {
		iface.Name = name
		c.interfaces[name] = iface
	}
	if err := c.checkExtends(); err != nil {
		return nil, err
	}
	return c, nil
}

func validate(doc any) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, "  - "+desc.String())
	}
	return fmt.Errorf("%w:\n%s", ErrInvalidCatalog, strings.Join(details, "\n"))
}

func (c *Catalog) checkExtends() error {
	for _, name := range c.Names() {
		seen := map[string]bool{}
		for cur := c.interfaces[name]; cur != nil && cur.Extends != ""; {
			if seen[cur.Name] {
				return fmt.Errorf("%w: %s extends itself", ErrInvalidCatalog, name)
			}
			seen[cur.Name] = true
			next, ok := c.interfaces[cur.Extends]
			if !ok {
				return fmt.Errorf("%w: %s extends unknown %s", ErrInvalidCatalog, cur.Name, cur.Extends)
			}
			cur = next
		}
	}
	return nil
}

// Interface returns the description of one type.
func (c *Catalog) Interface(name string) (*Interface, bool) {
	iface, ok := c.interfaces[name]
	return iface, ok
}

// Names lists every described type, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.interfaces))
	for name := range c.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// chain yields typeName and its ancestors.
func (c *Catalog) chain(typeName string) []*Interface {
	var out []*Interface
	for cur, ok := c.interfaces[typeName]; ok; cur, ok = c.interfaces[cur.Extends] {
		out = append(out, cur)
		if cur.Extends == "" {
			break
		}
	}
	return out
}

// HasCommand reports whether typeName or an ancestor declares method.
func (c *Catalog) HasCommand(typeName, method string) bool {
	for _, iface := range c.chain(typeName) {
		if _, ok := iface.Commands[method]; ok {
			return true
		}
	}
	return false
}

// HasEvent reports whether typeName or an ancestor declares event.
func (c *Catalog) HasEvent(typeName, event string) bool {
	for _, iface := range c.chain(typeName) {
		if _, ok := iface.Events[event]; ok {
			return true
		}
	}
	return false
}

// Commands lists the commands of typeName including inherited ones, sorted.
func (c *Catalog) Commands(typeName string) []string {
	return c.members(typeName, func(i *Interface) map[string]*Member { return i.Commands })
}

// Events lists the events of typeName including inherited ones, sorted.
func (c *Catalog) Events(typeName string) []string {
	return c.members(typeName, func(i *Interface) map[string]*Member { return i.Events })
}

func (c *Catalog) members(typeName string, pick func(*Interface) map[string]*Member) []string {
	seen := map[string]bool{}
	var out []string
	for _, iface := range c.chain(typeName) {
		for name := range pick(iface) {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
