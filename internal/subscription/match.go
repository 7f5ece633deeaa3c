package subscription

import "github.com/rickgao/streamsub/internal/model"

// StreamEquals matches payloads whose "stream" member equals name.
func StreamEquals(name string) MatchFunc {
	return func(p model.Payload) bool {
		return p.Stream == name
	}
}

// FieldEquals matches payloads where the gjson path resolves to value.
func FieldEquals(path, value string) MatchFunc {
	return func(p model.Payload) bool {
		r := p.Get(path)
		return r.Exists() && r.String() == value
	}
}

// FieldExists matches payloads that contain the gjson path.
func FieldExists(path string) MatchFunc {
	return func(p model.Payload) bool {
		return p.Get(path).Exists()
	}
}

// Any matches when at least one of fns matches.
func Any(fns ...MatchFunc) MatchFunc {
	return func(p model.Payload) bool {
		for _, fn := range fns {
			if fn != nil && fn(p) {
				return true
			}
		}
		return false
	}
}

// All matches when every non-nil fn matches.
func All(fns ...MatchFunc) MatchFunc {
	return func(p model.Payload) bool {
		for _, fn := range fns {
			if fn != nil && !fn(p) {
				return false
			}
		}
		return true
	}
}
