package policy

import "net/http"

// Filter is an opaque request transformation attached to a rule. Filters
// are applied in list order by the connection handler; routing itself never
// consults them.
type Filter interface {
	ApplyRequest(req *http.Request)
}

// RequestHeaderModifier sets, adds and removes request headers.
type RequestHeaderModifier struct {
	Set    map[string]string
	Add    map[string]string
	Remove []string
}

func (f *RequestHeaderModifier) ApplyRequest(req *http.Request) {
	for name, value := range f.Set {
		req.Header.Set(name, value)
	}
	for name, value := range f.Add {
		req.Header.Add(name, value)
	}
	for _, name := range f.Remove {
		req.Header.Del(name)
	}
}
