package auth

import (
	stdErrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "Spectre-Protocol/internal/errors"
)

const (
	defaultIssuer   = "spectred"
	defaultTokenTTL = 24 * time.Hour
	minSecretLength = 32
)

// Config 配置操作员令牌的签发与校验。
type Config struct {
	Mode     Mode
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

type operatorClaims struct {
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Service 负责签发与校验 HS256 操作员令牌。
type Service struct {
	mode   Mode
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewService 构造认证服务。disabled 模式下所有请求直接放行。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:   mode,
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		now:    time.Now,
	}
	if svc.issuer == "" {
		svc.issuer = defaultIssuer
	}
	if svc.ttl <= 0 {
		svc.ttl = defaultTokenTTL
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if len(cfg.Secret) < minSecretLength {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "jwt 模式需要至少 32 字节的 secret")
		}
		svc.secret = []byte(cfg.Secret)
		return svc, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的认证模式", xerrors.WithMetadata("mode", string(mode)))
	}
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为操作员签发带权限的访问令牌。
func (s *Service) Issue(subjectID string, permissions ...string) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "仅 jwt 模式可以签发令牌")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "subject 不能为空")
	}
	now := s.now()
	claims := operatorClaims{
		Permissions: append([]string(nil), permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "签发令牌失败")
	}
	return signed, nil
}

// AuthenticateRequest 校验 Authorization 头并返回对应的操作员。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(strings.TrimSpace(parts[1]))
}

// Verify 校验令牌签名、签发方与有效期。
func (s *Service) Verify(raw string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrInvalidToken
	}
	claims := &operatorClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		reason := "invalid token"
		if stdErrors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return nil, xerrors.Wrap(CodeUnauthenticated, err, reason)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	subject := &Subject{ID: claims.Subject, Permissions: claims.Permissions}
	subject.normalise()
	return subject, nil
}
