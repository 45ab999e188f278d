package inference

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/embedtrain/embedtrain/protocols"
)

// ClassMapping translates between class indices and class labels.
// It is fixed at construction and safe for concurrent reads.
type ClassMapping struct {
	intToStr map[int]string
	strToInt map[string]int
}

// NewClassMapping builds a mapping from either direction. When both are
// given they must describe the same bijection.
func NewClassMapping(intToStr map[int]string, strToInt map[string]int) (*ClassMapping, error) {
	m := &ClassMapping{
		intToStr: make(map[int]string),
		strToInt: make(map[string]int),
	}
	for i, s := range intToStr {
		m.intToStr[i] = s
		m.strToInt[s] = i
	}
	for s, i := range strToInt {
		if existing, ok := m.intToStr[i]; ok && existing != s {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "class %d maps to both %q and %q", i, existing, s)
		}
		m.intToStr[i] = s
		m.strToInt[s] = i
	}

	if len(m.intToStr) == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "no class mapping given")
	}
	if len(m.intToStr) != len(m.strToInt) {
		return nil, errors.Wrap(ErrInvalidDescriptor, "class mapping is not one-to-one")
	}
	for i := 0; i < len(m.intToStr); i++ {
		if _, ok := m.intToStr[i]; !ok {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "class indices must be 0..%d, missing %d", len(m.intToStr)-1, i)
		}
	}
	return m, nil
}

// Len returns the number of classes
func (m *ClassMapping) Len() int {
	return len(m.intToStr)
}

// Labels returns the class labels ordered by index
func (m *ClassMapping) Labels() []string {
	labels := make([]string, len(m.intToStr))
	for i, s := range m.intToStr {
		labels[i] = s
	}
	return labels
}

// Label returns the label of class index i
func (m *ClassMapping) Label(i int) (string, error) {
	s, ok := m.intToStr[i]
	if !ok {
		return "", fmt.Errorf("unknown class index %d", i)
	}
	return s, nil
}

// Index returns the class index of label
func (m *ClassMapping) Index(label string) (int, error) {
	i, ok := m.strToInt[label]
	if !ok {
		return 0, fmt.Errorf("unknown class label %q", label)
	}
	return i, nil
}

// Encode converts a target string to class indices: one per character for
// residue-level protocols, the whole string otherwise.
func (m *ClassMapping) Encode(protocol protocols.Protocol, target string) ([]int, error) {
	if !protocol.IsPerResidue() {
		i, err := m.Index(target)
		if err != nil {
			return nil, err
		}
		return []int{i}, nil
	}

	classes := make([]int, 0, len(target))
	for _, r := range target {
		i, err := m.Index(string(r))
		if err != nil {
			return nil, err
		}
		classes = append(classes, i)
	}
	return classes, nil
}

// Decode converts class indices back to labels
func (m *ClassMapping) Decode(classes []int) ([]string, error) {
	labels := make([]string, len(classes))
	for j, c := range classes {
		s, err := m.Label(c)
		if err != nil {
			return nil, err
		}
		labels[j] = s
	}
	return labels, nil
}

// String lists the mapping ordered by index
func (m *ClassMapping) String() string {
	keys := make([]int, 0, len(m.intToStr))
	for i := range m.intToStr {
		keys = append(keys, i)
	}
	sort.Ints(keys)
	s := ""
	for _, i := range keys {
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("%d=%s", i, m.intToStr[i])
	}
	return s
}
