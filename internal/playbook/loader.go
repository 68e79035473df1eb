package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the wrapped file form: `playbooks: [...]`.
type document struct {
	Playbooks []*Playbook `yaml:"playbooks"`
}

// ParsePlaybooks decodes YAML holding a list of playbooks, a single
// playbook, or a document with a top-level `playbooks` key.
func ParsePlaybooks(data []byte) ([]*Playbook, error) {
	var list []*Playbook
	if err := yaml.Unmarshal(data, &list); err == nil {
		return nonNil(list), nil
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Playbooks) > 0 {
		return nonNil(doc.Playbooks), nil
	}

	var single Playbook
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to parse playbooks: %w", err)
	}
	if single.ID == "" && len(single.Actions) == 0 {
		return nil, fmt.Errorf("failed to parse playbooks: no playbook found")
	}
	return []*Playbook{&single}, nil
}

func nonNil(in []*Playbook) []*Playbook {
	out := in[:0]
	for _, p := range in {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// ParseFile reads and decodes one playbook file.
func ParseFile(path string) ([]*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pbs, err := ParsePlaybooks(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pbs, nil
}

// CollectFiles returns the YAML files under path in lexical order. A file
// path is returned as is.
func CollectFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// LoadDir registers every playbook found under path. It stops at the first
// file that fails to parse or register.
func (r *Registry) LoadDir(path string) (int, error) {
	files, err := CollectFiles(path)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, f := range files {
		pbs, err := ParseFile(f)
		if err != nil {
			return loaded, err
		}
		for _, p := range pbs {
			if _, err := r.Register(p); err != nil {
				return loaded, fmt.Errorf("%s: %w", f, err)
			}
			loaded++
		}
	}
	return loaded, nil
}
