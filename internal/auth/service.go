package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Sweep/pkg/logger"
)

const keySaltBytes = 16

type storedKey struct {
	salt    []byte
	digest  []byte
	subject *Subject
}

// Service 负责校验 API Key 并解析调用方权限。
type Service struct {
	mode  Mode
	keys  []storedKey
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}

	for _, k := range cfg.Keys {
		salt, digest, err := parseHash(k.Hash)
		if err != nil {
			return nil, fmt.Errorf("api key %q: %w", k.Name, err)
		}
		subject := &Subject{
			Name:        k.Name,
			Permissions: append([]string(nil), k.Permissions...),
			Disabled:    k.Disabled,
		}
		subject.normalise()
		svc.keys = append(svc.keys, storedKey{salt: salt, digest: digest, subject: subject})
	}
	if len(svc.keys) == 0 {
		return nil, errors.New("api_key mode requires at least one key")
	}
	return svc, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 "Bearer <key>" 或裸 key。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token := strings.TrimSpace(authorization)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	// 逐个比较，避免通过响应时间推断出匹配的 key。
	var matched *Subject
	for _, k := range s.keys {
		digest := sha256.Sum256(append(append([]byte(nil), k.salt...), token...))
		if subtle.ConstantTimeCompare(k.digest, digest[:]) == 1 {
			matched = k.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched, nil
}

// HashKey 生成可写入配置的 key 摘要。
func HashKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("api key cannot be empty")
	}
	salt := make([]byte, keySaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(key)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

func parseHash(hashed string) ([]byte, []byte, error) {
	parts := strings.SplitN(strings.TrimSpace(hashed), ":", 2)
	if len(parts) != 2 {
		return nil, nil, errors.New("hash must be <salt>:<digest>")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	digest, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != sha256.Size {
		return nil, nil, errors.New("digest has wrong length")
	}
	return salt, digest, nil
}
