package endpoint

import (
	"encoding"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds a single decoded value when no maxLength tag is set.
var defaultFieldLimit = 16 * 1024

// sources lists the supported struct tags in precedence order.
var sources = []string{"path", "query", "form", "header", "cookie"}

// Unmarshal fills the struct pointed to by dst from r.
//
// Fields are bound with struct tags naming the source and the parameter:
//
//	Code  string `query:"code"`
//	ID    string `path:"id"`
//	RSC   string `header:"RSC"`
//	Token string `cookie:"session"`
//	Title string `form:"title"`
//
// When a field carries several tags, the first source (in the order path,
// query, form, header, cookie) holding a value wins. Fields without data keep
// their zero value. Embedded structs are decoded recursively. Supported field
// types are strings, booleans, integers, unsigned integers, slices of those,
// and encoding.TextUnmarshaler implementations.
//
// `maxLength:"n"` caps the byte length of a value (default 16KB, 0 disables).
// Oversized or malformed values yield a 400 EndpointError.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	var query url.Values
	if r.URL != nil {
		query = r.URL.Query()
	}
	var form url.Values
	if hasTag(root.Type(), "form") {
		if err := r.ParseForm(); err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
		}
		form = r.PostForm
	}

	lookup := func(source, name string) ([]string, bool) {
		switch source {
		case "path":
			s := r.PathValue(name)
			return []string{s}, s != ""
		case "query":
			vals, ok := query[name]
			return vals, ok && len(vals) > 0
		case "form":
			vals, ok := form[name]
			return vals, ok && len(vals) > 0
		case "header":
			vals := r.Header.Values(name)
			return vals, len(vals) > 0
		case "cookie":
			c, err := r.Cookie(name)
			if err != nil {
				return nil, false
			}
			return []string{c.Value}, true
		}
		return nil, false
	}
	return decodeStruct(root, lookup)
}

func hasTag(t reflect.Type, key string) bool {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if _, ok := sf.Tag.Lookup(key); ok {
			return true
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && hasTag(sf.Type, key) {
			return true
		}
	}
	return false
}

func decodeStruct(sv reflect.Value, lookup func(source, name string) ([]string, bool)) error {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		fv := sv.Field(i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := decodeStruct(fv, lookup); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", err)
		}

		for _, source := range sources {
			tag, ok := sf.Tag.Lookup(source)
			if !ok || tag == "-" {
				continue
			}
			name, _, _ := strings.Cut(tag, ",")
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			vals, found := lookup(source, name)
			if !found {
				continue
			}
			for _, s := range vals {
				if limit > 0 && len(s) > limit {
					return Error(http.StatusBadRequest, fmt.Sprintf("%s parameter %q too long", source, name), nil)
				}
			}
			if err := setField(fv, vals); err != nil {
				return Error(http.StatusBadRequest, fmt.Sprintf("invalid %s parameter %q", source, name), err)
			}
			break
		}
	}
	return nil
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("endpoint: decode: field %s: bad maxLength %q", sf.Name, tag)
	}
	return n, nil
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

func setField(v reflect.Value, vals []string) error {
	if reflect.PointerTo(v.Type()).Implements(textUnmarshalerType) {
		return v.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(vals[0]))
	}
	if v.Kind() == reflect.Slice {
		out := reflect.MakeSlice(v.Type(), len(vals), len(vals))
		for i, s := range vals {
			if err := setScalar(out.Index(i), s); err != nil {
				return err
			}
		}
		v.Set(out)
		return nil
	}
	return setScalar(v, vals[0])
}

func setScalar(v reflect.Value, s string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	default:
		return fmt.Errorf("unsupported field type %s", v.Type())
	}
	return nil
}
