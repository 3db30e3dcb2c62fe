package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/airhao3/ispinfo/pkg/lookup"
)

const (
	msgInvalidAddress = "Invalid IP address format"
	msgNoData         = "No detailed information available for this IP"
	noteNoData        = "This IP may be using IPv6 or not be in our database"
	msgIPv6           = "IPv6 not supported in this version"
	msgIPv6Short      = "IPv6 not supported"
)

type errorResponse struct {
	IP      string `json:"ip,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

// addressResponse always carries the location fields, zeroed when absent.
type addressResponse struct {
	IP           string  `json:"ip"`
	ASN          *uint32 `json:"asn,omitempty"`
	Organization string  `json:"organization,omitempty"`
	City         string  `json:"city"`
	Region       string  `json:"region"`
	Country      string  `json:"country"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Postal       string  `json:"postal"`
}

// selfResponse only carries the fields a resolution produced.
type selfResponse struct {
	IP           string   `json:"ip"`
	ASN          *uint32  `json:"asn,omitempty"`
	Organization *string  `json:"organization,omitempty"`
	City         *string  `json:"city,omitempty"`
	Region       *string  `json:"region,omitempty"`
	Country      *string  `json:"country,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

type noDataResponse struct {
	IP      string `json:"ip"`
	Message string `json:"message"`
	Note    string `json:"note"`
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	res, err := s.cfg.Lookup.Lookup(r.Context(), ip)
	if errors.Is(err, lookup.ErrInvalidAddress) {
		writeJSON(w, http.StatusBadRequest, errorResponse{IP: ip, Error: msgInvalidAddress})
		return
	}
	if err != nil {
		s.log.Error("server: lookup failed", "ip", ip, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{IP: ip, Error: "Internal Server Error"})
		return
	}

	resp := addressResponse{IP: res.IP}
	switch {
	case res.Unsupported():
		resp.Organization = msgIPv6
		resp.City = msgIPv6Short
		resp.Region = msgIPv6Short
		resp.Country = msgIPv6
	default:
		if res.ASN != nil {
			resp.ASN = &res.ASN.ASN
			resp.Organization = res.ASN.Organization
		}
		if loc := res.Location; loc != nil {
			resp.City = loc.CityName
			resp.Region = loc.RegionName
			resp.Country = loc.CountryName
			resp.Latitude = loc.Latitude
			resp.Longitude = loc.Longitude
			resp.Postal = loc.PostalCode
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	res, err := s.cfg.Lookup.Lookup(r.Context(), ip)
	if err != nil {
		s.log.Debug("server: client address not resolvable", "ip", ip, "error", err)
		writeJSON(w, http.StatusOK, noDataResponse{IP: ip, Message: msgNoData, Note: noteNoData})
		return
	}
	if res.Empty() {
		writeJSON(w, http.StatusOK, noDataResponse{IP: ip, Message: msgNoData, Note: noteNoData})
		return
	}

	resp := selfResponse{IP: ip}
	if res.ASN != nil {
		resp.ASN = &res.ASN.ASN
		resp.Organization = &res.ASN.Organization
	}
	if loc := res.Location; loc != nil {
		resp.City = &loc.CityName
		resp.Region = &loc.RegionName
		resp.Country = &loc.CountryName
		resp.Latitude = &loc.Latitude
		resp.Longitude = &loc.Longitude
	}
	writeJSON(w, http.StatusOK, resp)
}
