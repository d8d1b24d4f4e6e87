package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/samber/lo"

	"github.com/zsprackett/jobkit/internal/config"
)

var (
	ErrMissingParameter = errors.New("missing required parameter")
	ErrInvalidParameter = errors.New("invalid parameter value")
)

// ResolveParameters merges supplied values over the parameter defaults.
// Values for undeclared names are passed through unchanged.
func ResolveParameters(defs []config.Parameter, supplied map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(defs)+len(supplied))
	for k, v := range supplied {
		out[k] = v
	}
	for _, def := range defs {
		v, ok := supplied[def.Name]
		if !ok {
			v = def.Default()
		}
		if def.Required() && v == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, def.Name)
		}
		if len(def.Select) > 0 {
			valid := lo.ContainsBy(def.Select, func(o config.ParameterOption) bool { return o.Value == v })
			if !valid {
				return nil, fmt.Errorf("%w: %s=%q", ErrInvalidParameter, def.Name, v)
			}
		}
		out[def.Name] = v
	}
	return out, nil
}

// ValuesFromForm reads parameter values from a submitted HTML form. An
// unchecked checkbox is absent from the form and reads as "false".
func ValuesFromForm(defs []config.Parameter, form url.Values) map[string]string {
	out := make(map[string]string)
	for _, def := range defs {
		if def.Checkbox != nil {
			if form.Has(def.Name) && form.Get(def.Name) != "false" {
				out[def.Name] = "true"
			} else {
				out[def.Name] = "false"
			}
			continue
		}
		if form.Has(def.Name) {
			out[def.Name] = form.Get(def.Name)
		}
	}
	return out
}

// ValuesFromJSON reads a flat JSON object. Numbers keep their literal
// text; nested values are rejected.
func ValuesFromJSON(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case json.Number:
			out[k] = tv.String()
		case bool:
			out[k] = strconv.FormatBool(tv)
		case nil:
			out[k] = ""
		default:
			return nil, fmt.Errorf("%w: %s must be a scalar", ErrInvalidParameter, k)
		}
	}
	return out, nil
}
