// Package snowflake 定义了对外暴露的 64 位实体 ID
package snowflake

import (
	"bytes"
	"fmt"
	"strconv"
)

// ID is serialized as a JSON string so that clients do not lose precision.
type ID int64

func Parse(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return ID(v), nil
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts both "123" and 123.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*id = 0
		return nil
	}
	v, err := Parse(string(data))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// Set is a small helper used wherever id membership is checked repeatedly.
type Set map[ID]struct{}

func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id ID) { s[id] = struct{}{} }

func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Slice() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
