package contentlake

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

type wireInsert struct {
	After string `json:"after"`
	Items []any  `json:"items"`
}

type wirePatch struct {
	ID           string             `json:"id"`
	IfRevisionID string             `json:"ifRevisionID,omitempty"`
	Set          map[string]any     `json:"set,omitempty"`
	SetIfMissing map[string]any     `json:"setIfMissing,omitempty"`
	Unset        []string           `json:"unset,omitempty"`
	Inc          map[string]float64 `json:"inc,omitempty"`
	Dec          map[string]float64 `json:"dec,omitempty"`
	Insert       *wireInsert        `json:"insert,omitempty"`
}

type wireDelete struct {
	ID string `json:"id"`
}

type wireMutation struct {
	Create            docstore.Document `json:"create,omitempty"`
	CreateIfNotExists docstore.Document `json:"createIfNotExists,omitempty"`
	Patch             *wirePatch        `json:"patch,omitempty"`
	Delete            *wireDelete       `json:"delete,omitempty"`
}

// encodeMutations converts mutations to the data API format. A patch appending to arrays
// becomes one patch for the field operations followed by one insert patch per array, since
// the API allows a single insert per patch. groups holds the wire count per mutation.
func encodeMutations(mutations []docstore.Mutation) ([]wireMutation, []int) {
	out := make([]wireMutation, 0, len(mutations))
	groups := make([]int, 0, len(mutations))

	for _, m := range mutations {
		switch {
		case m.Create != nil:
			out = append(out, wireMutation{Create: m.Create})
			groups = append(groups, 1)
		case m.CreateIfNotExists != nil:
			out = append(out, wireMutation{CreateIfNotExists: m.CreateIfNotExists})
			groups = append(groups, 1)
		case m.Patch != nil:
			patches := encodePatch(*m.Patch)
			for _, p := range patches {
				out = append(out, wireMutation{Patch: p})
			}
			groups = append(groups, len(patches))
		default:
			out = append(out, wireMutation{Delete: &wireDelete{ID: m.Delete}})
			groups = append(groups, 1)
		}
	}
	return out, groups
}

func encodePatch(p docstore.Patch) []*wirePatch {
	first := &wirePatch{
		ID:           p.ID,
		IfRevisionID: p.IfRevisionID,
		Set:          p.Set,
		SetIfMissing: p.SetIfMissing,
		Unset:        p.Unset,
		Inc:          p.Inc,
		Dec:          p.Dec,
	}
	if len(p.Append) == 0 {
		return []*wirePatch{first}
	}

	fields := make([]string, 0, len(p.Append))
	for f := range p.Append {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	if first.SetIfMissing == nil {
		first.SetIfMissing = map[string]any{}
	} else {
		copied := make(map[string]any, len(first.SetIfMissing)+len(fields))
		for k, v := range first.SetIfMissing {
			copied[k] = v
		}
		first.SetIfMissing = copied
	}
	for _, f := range fields {
		first.SetIfMissing[f] = []any{}
	}

	patches := []*wirePatch{first}
	for _, f := range fields {
		patches = append(patches, &wirePatch{
			ID:     p.ID,
			Insert: &wireInsert{After: f + "[-1]", Items: p.Append[f]},
		})
	}
	return patches
}

// CompileQuery renders q as a parameterised GROQ query. Values never appear in the query
// text; each one is passed JSON encoded as a $param.
func CompileQuery(q docstore.Query) (string, map[string]string, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var filters []string
	params := map[string]string{}
	bind := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding query parameter %s: %w", name, err)
		}
		params["$"+name] = string(b)
		return nil
	}

	if q.Type != "" {
		filters = append(filters, "_type == $type")
		if err := bind("type", q.Type); err != nil {
			return "", nil, err
		}
	}
	for i, f := range sortedKeys(q.Equals) {
		name := fmt.Sprintf("eq%d", i)
		filters = append(filters, fmt.Sprintf("%s == $%s", f, name))
		if err := bind(name, q.Equals[f]); err != nil {
			return "", nil, err
		}
	}
	for i, f := range sortedKeys(q.NotEquals) {
		name := fmt.Sprintf("ne%d", i)
		filters = append(filters, fmt.Sprintf("%s != $%s", f, name))
		if err := bind(name, q.NotEquals[f]); err != nil {
			return "", nil, err
		}
	}
	if q.References != "" {
		filters = append(filters, "references($ref)")
		if err := bind("ref", q.References); err != nil {
			return "", nil, err
		}
	}
	if len(filters) == 0 {
		filters = append(filters, "defined(_id)")
	}

	var b strings.Builder
	b.WriteString("*[")
	b.WriteString(strings.Join(filters, " && "))
	b.WriteString("]")
	if q.Order != "" {
		dir := "asc"
		field := q.Order
		if strings.HasPrefix(field, "-") {
			dir = "desc"
			field = field[1:]
		}
		fmt.Fprintf(&b, " | order(%s %s)", field, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "[0...%d]", q.Limit)
	}
	return b.String(), params, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
