package models

// DefaultIcon is used when a caller does not supply one.
const DefaultIcon = "/icon-192x192.png"

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	URL   string         `json:"url"`
	Data  map[string]any `json:"data,omitempty"`
}

// WithDefaults returns a copy with URL defaulted to "/".
func (p Payload) WithDefaults() Payload {
	if p.URL == "" {
		p.URL = "/"
	}
	if p.Data != nil {
		data := make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			data[k] = v
		}
		p.Data = data
	}
	return p
}
