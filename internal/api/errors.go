package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "ShopAssist/internal/errors"
	"ShopAssist/pkg/logger"
)

type errorBody struct {
	Error struct {
		Code    xerrors.Code `json:"code"`
		Message string       `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := xerrors.HTTPStatusOf(err)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = "internal error"
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败", slog.Any("error", err))
	} else if e, ok := xerrors.From(err); ok {
		body.Error.Message = e.Message()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
