package api

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	xerrors "Spectre-Protocol/internal/errors"
	"Spectre-Protocol/pkg/logger"
)

const maxBodyBytes = 1 << 20

type registerAgentRequest struct {
	AgentID   string `json:"agent_id" validate:"required,max=128"`
	ModelType string `json:"model_type" validate:"required"`
	Stake     uint64 `json:"stake"`
}

type adjustReputationRequest struct {
	Amount *float64 `json:"amount" validate:"required,gte=0,lte=1"`
}

type reputationResponse struct {
	AgentID    string  `json:"agent_id"`
	Reputation float64 `json:"reputation_score"`
}

type postJobRequest struct {
	ID           string `json:"id" validate:"required,max=128"`
	Requester    string `json:"requester" validate:"required,max=128"`
	RequiredAlgo string `json:"required_algo" validate:"required"`
	RewardTokens uint64 `json:"reward_tokens"`
}

type claimJobRequest struct {
	AgentID        string `json:"agent_id" validate:"required,max=128"`
	ModelHash      string `json:"model_hash" validate:"required,startswith=0x"`
	ExecutionProof string `json:"execution_proof" validate:"required"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          uint32 `json:"nonce"`
	TaskComplexity uint32 `json:"task_complexity"`
}

// ValidationErrorDetail 描述单个字段的校验失败原因。
type ValidationErrorDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type errorResponse struct {
	Code    xerrors.Code            `json:"code"`
	Message string                  `json:"message"`
	Details []ValidationErrorDetail `json:"details,omitempty"`
}

// newValidator 让校验错误中的字段名与 JSON 字段保持一致。
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode 解析并校验请求体，失败时直接写出 400 响应并返回 false。
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    xerrors.CodeInvalidArgument,
			Message: "请求体解析失败",
		})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var validationErrs validator.ValidationErrors
		if stdErrors.As(err, &validationErrs) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Code:    xerrors.CodeInvalidArgument,
				Message: "请求参数校验失败",
				Details: formatValidationErrors(validationErrs),
			})
			return false
		}
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求参数校验失败"))
		return false
	}
	return true
}

func formatValidationErrors(errs validator.ValidationErrors) []ValidationErrorDetail {
	details := make([]ValidationErrorDetail, 0, len(errs))
	for _, err := range errs {
		var message string
		switch err.Tag() {
		case "required":
			message = fmt.Sprintf("field '%s' is required", err.Field())
		case "max":
			message = fmt.Sprintf("field '%s' must not exceed %s", err.Field(), err.Param())
		case "gte", "lte":
			message = fmt.Sprintf("field '%s' must be within [0, 1]", err.Field())
		case "startswith":
			message = fmt.Sprintf("field '%s' must start with '%s'", err.Field(), err.Param())
		default:
			message = fmt.Sprintf("field '%s' failed on the '%s' tag", err.Field(), err.Tag())
		}
		details = append(details, ValidationErrorDetail{
			Field:   err.Field(),
			Message: message,
			Code:    "validation_" + err.Tag(),
		})
	}
	return details
}

// statusOf 将错误大类映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryInvalid:
		return http.StatusBadRequest
	case xerrors.CategoryNotFound:
		return http.StatusNotFound
	case xerrors.CategoryConflict:
		return http.StatusConflict
	case xerrors.CategoryRejected:
		return http.StatusForbidden
	case xerrors.CategoryUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorResponse{Code: xerrors.CodeUnknown, Message: "internal error"}
	if e, ok := xerrors.From(err); ok {
		body.Code = e.Code()
		body.Message = e.Message()
	}
	if status == http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
