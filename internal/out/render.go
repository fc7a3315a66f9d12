package out

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/zerosnacks/fuse-v1/internal/config"
	"github.com/zerosnacks/fuse-v1/internal/model"
)

// member and object keep JSON object members in document order so ordered
// query results render the way they were discovered.
type member struct {
	Key   string
	Value any
}

type object []member

func (o object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "json" {
			return encodeJSON(w, data)
		}
		return renderPlain(w, data)
	}

	if settings.OutputMode == "json" {
		env.Data = data
		return encodeJSON(w, env)
	}

	plain := object{
		{Key: "success", Value: env.Success},
		{Key: "data", Value: data},
	}
	if env.Error != nil {
		plain = append(plain, member{Key: "error", Value: env.Error})
	}
	if len(env.Warnings) > 0 {
		plain = append(plain, member{Key: "warnings", Value: env.Warnings})
	}
	plain = append(plain, member{Key: "meta", Value: env.Meta})
	line, err := toLine(normalizeValue(plain))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, line)
	return err
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPlain writes one line per array item, or one line per member when
// every member of an object is itself an object.
func renderPlain(w io.Writer, data any) error {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		if len(t) == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for _, item := range t {
			line, err := toLine(item)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	case object:
		if len(t) > 0 && allObjects(t) {
			for _, m := range t {
				line, err := toLine(m.Value)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "%s %s\n", m.Key, line); err != nil {
					return err
				}
			}
			return nil
		}
	}
	line, err := toLine(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, line)
	return err
}

func allObjects(o object) bool {
	for _, m := range o {
		if _, ok := m.Value.(object); !ok {
			return false
		}
	}
	return true
}

func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]object, 0, len(t))
		for _, item := range t {
			o, ok := item.(object)
			if !ok {
				continue
			}
			out = append(out, projectObject(o, fields))
		}
		return out
	case object:
		return projectObject(t, fields)
	default:
		return n
	}
}

func projectObject(o object, fields []string) object {
	out := make(object, 0, len(fields))
	for _, f := range fields {
		for _, m := range o {
			if m.Key == f {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// normalizeValue round-trips v through JSON into []any, object, json.Number,
// string, bool or nil. Numbers stay exact so uint256 values survive.
func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	out, err := decodeOrdered(dec)
	if err != nil {
		return v
	}
	return out
}

func decodeOrdered(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		o := object{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			val, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			o = append(o, member{Key: key, Value: val})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return o, nil
	case '[':
		arr := make([]any, 0)
		for dec.More() {
			val, err := decodeOrdered(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected json delimiter %q", delim)
}

func toLine(v any) (string, error) {
	switch t := v.(type) {
	case object:
		parts := make([]string, 0, len(t))
		for _, m := range t {
			val, err := formatValue(m.Value)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s=%s", m.Key, val))
		}
		return strings.Join(parts, " "), nil
	default:
		return formatValue(v)
	}
}

func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return fmt.Sprint(t), nil
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
}
