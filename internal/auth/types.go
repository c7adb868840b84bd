package auth

import (
	"strings"

	xerrors "Spectre-Protocol/internal/errors"
)

// 操作员权限。GET 查询不需要任何权限。
const (
	PermAgentsWrite     = "agents:write"
	PermJobsWrite       = "jobs:write"
	PermJobsClaim       = "jobs:claim"
	PermReputationWrite = "reputation:write"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

var (
	// ErrMissingToken 表示请求未携带 Bearer 令牌。
	ErrMissingToken = xerrors.New(CodeUnauthenticated, "missing bearer token")
	// ErrInvalidToken 表示令牌签名、签发方或有效期校验失败。
	ErrInvalidToken = xerrors.New(CodeUnauthenticated, "invalid token")
	// ErrPermissionDenied 表示令牌缺少所需权限。
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryUnauthenticated,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryRejected,
	})
}

// Mode 决定 API 是否校验操作员令牌。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Subject 是通过认证的操作员及其权限。
type Subject struct {
	ID          string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断是否具备指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求具备全部权限，缺失时返回 PERMISSION_DENIED。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "permission denied",
				xerrors.WithMetadata("subject", s.ID),
				xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}
