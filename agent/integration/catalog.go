package integration

import "net/http"

// ProbeOperation is expected by the health monitor on every integration.
const ProbeOperation = "ping"

// Integration names known to the pipeline.
const (
	NameCRM      = "crm"
	NameCalendar = "calendar"
	NameEmail    = "email"
	NameSocial   = "social"
	NameLLM      = "llm"
)

// NewCRM exposes the CRM record operations.
func NewCRM(cfg RESTConfig) (*REST, error) {
	return NewREST(NameCRM, cfg, map[string]Operation{
		"createRecord": {Method: http.MethodPost, Path: "/records"},
		"updateRecord": {Method: http.MethodPatch, Path: "/records"},
		"getRecord":    {Method: http.MethodGet, Path: "/records"},
		ProbeOperation: {Method: http.MethodGet, Path: "/health"},
	})
}

// NewCalendar exposes meeting-slot discovery and booking.
func NewCalendar(cfg RESTConfig) (*REST, error) {
	return NewREST(NameCalendar, cfg, map[string]Operation{
		"listSlots":    {Method: http.MethodGet, Path: "/slots"},
		"bookSlot":     {Method: http.MethodPost, Path: "/bookings"},
		"cancelSlot":   {Method: http.MethodDelete, Path: "/bookings"},
		ProbeOperation: {Method: http.MethodGet, Path: "/health"},
	})
}

// NewEmail exposes outbound mail.
func NewEmail(cfg RESTConfig) (*REST, error) {
	return NewREST(NameEmail, cfg, map[string]Operation{
		"send":         {Method: http.MethodPost, Path: "/messages"},
		ProbeOperation: {Method: http.MethodGet, Path: "/health"},
	})
}

// NewSocial exposes social-platform direct messaging.
func NewSocial(cfg RESTConfig) (*REST, error) {
	return NewREST(NameSocial, cfg, map[string]Operation{
		"sendMessage":  {Method: http.MethodPost, Path: "/messages"},
		ProbeOperation: {Method: http.MethodGet, Path: "/health"},
	})
}
