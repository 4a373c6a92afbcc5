package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pario-ai/quotacontrol/pkg/handler"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

// Headers read by the admission middleware.
const (
	HeaderAccessKey = "X-Access-Key"
	HeaderChainID   = "X-Chain-Id"
	HeaderOver      = "X-Quota-Over"
)

// Admitter runs admission checks.
type Admitter interface {
	Admit(ctx context.Context, req handler.AdmitRequest) (*handler.Decision, error)
}

// AdmitArgs is the body of POST /admit.
type AdmitArgs struct {
	AccessKey string         `json:"accessKey"`
	ProjectID uint64         `json:"projectId"`
	Origin    string         `json:"origin"`
	Service   models.Service `json:"service"`
	ChainID   *uint64        `json:"chainId,omitempty"`
	Compute   int64          `json:"compute"`
}

// AdmitReturn is the response of POST /admit.
type AdmitReturn struct {
	AccessQuota *models.AccessQuota `json:"accessQuota"`
	Over        bool                `json:"over"`
}

func (s *Server) serveAdmit(w http.ResponseWriter, r *http.Request) {
	var args AdmitArgs
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, models.ErrWebrpcBadRequest.WithCause(err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeError(w, r, models.ErrWebrpcBadRequest.WithCausef("decode request: %v", err))
			return
		}
	}
	if args.AccessKey == "" {
		args.AccessKey = r.Header.Get(HeaderAccessKey)
	}
	if args.Origin == "" {
		args.Origin = r.Header.Get("Origin")
	}

	d, err := s.svc.Admit(r.Context(), handler.AdmitRequest{
		AccessKey: args.AccessKey,
		ProjectID: args.ProjectID,
		Origin:    args.Origin,
		Service:   args.Service,
		ChainID:   args.ChainID,
		Compute:   args.Compute,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdmitReturn{AccessQuota: d.Quota, Over: d.Over})
}

// Admission guards next with an admission check for service, charging
// compute units per request. The key comes from the X-Access-Key header
// and the chain from X-Chain-Id when present. Rejected requests get the
// error in the wire format.
func Admission(a Admitter, service models.Service, compute int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := handler.AdmitRequest{
				AccessKey: r.Header.Get(HeaderAccessKey),
				Origin:    r.Header.Get("Origin"),
				Service:   service,
				Compute:   compute,
			}
			if v := r.Header.Get(HeaderChainID); v != "" {
				id, err := strconv.ParseUint(v, 10, 64)
				if err != nil {
					w.Header().Set(models.WebrpcHeader, models.WebrpcHeaderValue)
					writeError(w, r, models.ErrInvalidChain.WithCausef("chain %q", v))
					return
				}
				req.ChainID = &id
			}

			d, err := a.Admit(r.Context(), req)
			if err != nil {
				w.Header().Set(models.WebrpcHeader, models.WebrpcHeaderValue)
				writeError(w, r, err)
				return
			}
			if d.Over {
				w.Header().Set(HeaderOver, "true")
			}
			next.ServeHTTP(w, r)
		})
	}
}
