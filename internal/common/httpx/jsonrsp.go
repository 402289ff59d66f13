package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// SendJsonRsp writes rsp as a JSON body with the given status code.
// The optional location is set as the Location header.
func SendJsonRsp(ctx context.Context, w http.ResponseWriter, statusCode int, rsp any, location ...string) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	var body []byte
	if rsp != nil {
		var err error
		body, err = json.Marshal(rsp)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("unable to marshal response")
			ErrApplicationError().Send(w)
			return
		}
	}
	if len(location) > 0 && location[0] != "" {
		w.Header().Set("Location", location[0])
	}
	if body != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(statusCode)
	if body != nil {
		if _, err := w.Write(body); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("unable to write response")
		}
	}
}
