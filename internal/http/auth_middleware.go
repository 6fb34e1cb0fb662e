package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

type authInfo struct {
	UserID string
}

const contextKeyAuth authContextKey = "airlift-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireToken gates management endpoints behind a stored API token.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return r.requireCredential(r.authorizeToken, next)
}

// requireSession gates account endpoints behind a console session JWT.
func (r *Router) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return r.requireCredential(r.authorizeSession, next)
}

type authorizeFunc func(ctx context.Context, token string) (authInfo, error)

func (r *Router) authorizeToken(ctx context.Context, token string) (authInfo, error) {
	user, err := r.auth.AuthorizeToken(ctx, token)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{UserID: user.ID}, nil
}

func (r *Router) authorizeSession(ctx context.Context, token string) (authInfo, error) {
	user, err := r.auth.AuthorizeSession(ctx, token)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{UserID: user.ID}, nil
}

func (r *Router) requireCredential(authorize authorizeFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req, authorize)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request, authorize authorizeFunc) (context.Context, authInfo, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "Missing or invalid Authorization header")
		return req.Context(), authInfo{}, false
	}
	info, err := authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return req.Context(), authInfo{}, false
	}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
