package models

// Endpoint describes one proxied backend, keyed by the public model id the
// chat UI selects. The backend's real model name and API key never leave the
// proxy.
type Endpoint struct {
	DisplayName     string `json:"displayName"`
	URL             string `json:"url"`
	APIKey          string `json:"apiKey"`
	ActualModelName string `json:"actualModelName"`
}

// EndpointsFile is the on-disk endpoint configuration.
type EndpointsFile struct {
	Endpoints map[string]Endpoint `json:"endpoints"`
}
