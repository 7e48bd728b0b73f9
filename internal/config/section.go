package config

import "time"

// Section is the view of one vendor's settings, e.g. Section("OpenAI").
type Section struct {
	cfg    *Config
	prefix string
}

func (s Section) Name() string { return s.prefix }

func (s Section) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + "." + k
}

func (s Section) Has(k string) bool {
	if s.cfg == nil {
		return false
	}
	return s.cfg.isSet(s.key(k)) && s.cfg.getString(s.key(k)) != ""
}

func (s Section) String(k, def string) string {
	if s.cfg == nil {
		return def
	}
	if v := s.cfg.getString(s.key(k)); v != "" {
		return v
	}
	return def
}

func (s Section) Int(k string, def int) int {
	if !s.Has(k) {
		return def
	}
	return s.cfg.getInt(s.key(k))
}

func (s Section) Float(k string, def float64) float64 {
	if !s.Has(k) {
		return def
	}
	return s.cfg.getFloat(s.key(k))
}

func (s Section) Bool(k string, def bool) bool {
	if s.cfg == nil || !s.cfg.isSet(s.key(k)) {
		return def
	}
	return s.cfg.getBool(s.key(k))
}

// Duration accepts Go duration strings ("30s") or plain seconds.
func (s Section) Duration(k string, def time.Duration) time.Duration {
	if !s.Has(k) {
		return def
	}
	if n, ok := s.cfg.get(s.key(k)).(float64); ok {
		return time.Duration(n * float64(time.Second))
	}
	if n, ok := s.cfg.get(s.key(k)).(int); ok {
		return time.Duration(n) * time.Second
	}
	if d := s.cfg.getDuration(s.key(k)); d > 0 {
		return d
	}
	return def
}

// Missing lists keys that have no value.
func (s Section) Missing(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if !s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Set writes a value back, e.g. a refreshed access token.
func (s Section) Set(k string, value any) {
	if s.cfg == nil {
		return
	}
	s.cfg.Set(s.key(k), value)
}
