package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/monitoring"
	"github.com/compresr/tier-gateway/internal/pipeline"
	"github.com/compresr/tier-gateway/internal/utils"
)

// handlePipelineRun serves POST /v1/pipeline/runs synchronously. Gate and
// rework failures are part of the result body, not HTTP errors.
func (g *Gateway) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	requestID := monitoring.RequestIDFromContext(r.Context())
	principal, _ := auth.PrincipalFrom(r.Context())

	body, err := readBody(w, r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	var req pipeline.Request
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.Write(w, apierr.BadRequest("invalid pipeline request: %v", err))
		return
	}

	res, err := g.pipeline.Run(r.Context(), principal, req)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	data, err := utils.MarshalNoEscape(res)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("gateway: encoding pipeline result")
		apierr.Write(w, apierr.Internal(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
