// auth.go — JWT-аутентификация и RBAC Client Module.
// Токены выпускает Keycloak; подпись проверяется по JWKS (фоновое
// обновление ключей). Субъект — либо пользователь UI (роль выводится
// из групп IdP), либо Service Account (права задаются scope'ами
// files:read / files:write). Аутентификация опциональна: без
// CM_KEYCLOAK_URL модуль работает в открытом режиме.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/bigkaa/godedupstore/client-module/internal/api/errors"
)

// authDeniedTotal считает отказы аутентификации и авторизации.
var authDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cm_auth_denied_total",
	Help: "Количество отклонённых запросов (401/403) по причинам.",
}, []string{"reason"})

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyClaims — извлечённые claims в контексте запроса.
const ContextKeyClaims contextKey = "jwt_claims"

// SubjectType — тип субъекта JWT.
type SubjectType string

const (
	// SubjectTypeUser — пользователь UI (Authorization Code flow).
	SubjectTypeUser SubjectType = "user"
	// SubjectTypeSA — Service Account (Client Credentials flow).
	SubjectTypeSA SubjectType = "service_account"
)

// Роли пользователей Client Module.
const (
	RoleReadonly = "readonly"
	RoleAdmin    = "admin"
)

// AuthClaims — обработанные claims токена, доступные обработчикам
// через контекст запроса.
type AuthClaims struct {
	// Subject — sub токена; ключ владельца предпочтений
	Subject string
	// SubjectType — user или service_account
	SubjectType SubjectType
	// Username — preferred_username (для логов)
	Username string

	// Role — итоговая роль пользователя (admin, readonly, "")
	Role string
	// Groups — группы IdP, из которых выведена роль
	Groups []string

	// Scopes — scope'ы Service Account
	Scopes []string
	// ClientID — client_id Service Account
	ClientID string
}

// HasAnyRole сообщает, совпадает ли роль с одной из указанных.
func (c *AuthClaims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// HasAnyScope сообщает, есть ли у субъекта хотя бы один из scope'ов.
func (c *AuthClaims) HasAnyScope(scopes ...string) bool {
	for _, want := range scopes {
		for _, s := range c.Scopes {
			if s == want {
				return true
			}
		}
	}
	return false
}

// allowed проверяет доступ: пользователи — по ролям, SA — по scope'ам.
func (c *AuthClaims) allowed(roles, scopes []string) bool {
	switch c.SubjectType {
	case SubjectTypeUser:
		return c.HasAnyRole(roles...)
	case SubjectTypeSA:
		return c.HasAnyScope(scopes...)
	}
	return false
}

// keycloakClaims — сырые claims токена Keycloak.
type keycloakClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	Groups            []string     `json:"groups,omitempty"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	// Scope — scope'ы через пробел (Service Account)
	Scope string `json:"scope,omitempty"`
	// ClientID — client_id (Service Account)
	ClientID string `json:"client_id,omitempty"`
}

// realmAccess — вложенная структура realm_access токена Keycloak.
type realmAccess struct {
	Roles []string `json:"roles"`
}

// AuthOptions — параметры JWT middleware.
type AuthOptions struct {
	// JWKSURL — endpoint ключей подписи Keycloak
	JWKSURL string
	// CACertPath — опциональный CA-сертификат для TLS к Keycloak
	CACertPath string
	// Issuer — ожидаемый issuer токена; пустой не проверяется
	Issuer string
	// AdminGroups, ReadonlyGroups — группы IdP, дающие роли
	AdminGroups    []string
	ReadonlyGroups []string
	// ClientTimeout — таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// RefreshInterval — период фонового обновления ключей
	RefreshInterval time.Duration
	// Leeway — допуск расхождения часов при проверке exp/nbf
	Leeway time.Duration
}

// JWTAuth — middleware проверки токенов и вычисления прав.
type JWTAuth struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
	issuer string
	leeway time.Duration
	// adminSet/readonlySet — группы IdP → роль; строятся один раз,
	// а не на каждый запрос
	adminSet    map[string]bool
	readonlySet map[string]bool
}

// NewJWTAuth создаёт JWT middleware с JWKS-хранилищем Keycloak.
func NewJWTAuth(opts AuthOptions, logger *slog.Logger) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: opts.ClientTimeout}
	if opts.CACertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(opts.CACertPath, opts.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", opts.CACertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — модуль стартует, даже если Keycloak
	// ещё недоступен; ключи подтянутся фоновым обновлением
	storage, err := jwkset.NewStorageFromHTTP(opts.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", opts.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:        k,
		logger:      logger.With(slog.String("component", "jwt_auth")),
		issuer:      opts.Issuer,
		leeway:      opts.Leeway,
		adminSet:    groupSet(opts.AdminGroups),
		readonlySet: groupSet(opts.ReadonlyGroups),
	}, nil
}

// groupSet строит множество групп для поиска за O(1).
func groupSet(groups []string) map[string]bool {
	s := make(map[string]bool, len(groups))
	for _, g := range groups {
		s[g] = true
	}
	return s
}

// httpClientWithCA создаёт HTTP-клиент, доверяющий дополнительному CA.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}

// Ошибки извлечения Bearer-токена.
var (
	errNoAuthHeader  = errors.New("отсутствует заголовок Authorization")
	errBadAuthHeader = errors.New("ожидается Authorization: Bearer <token>")
)

// bearerToken извлекает токен из заголовка Authorization.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoAuthHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errBadAuthHeader
	}
	return token, nil
}

// Middleware возвращает HTTP middleware аутентификации: извлекает
// Bearer-токен, проверяет подпись (RS256) через JWKS, вычисляет права
// субъекта и кладёт AuthClaims в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				authDeniedTotal.WithLabelValues("no_token").Inc()
				apierrors.Unauthorized(w, err.Error())
				return
			}

			raw := &keycloakClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, raw, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil {
				j.logger.Debug("JWT отклонён",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				authDeniedTotal.WithLabelValues("bad_token").Inc()
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}
			if !token.Valid {
				authDeniedTotal.WithLabelValues("bad_token").Inc()
				apierrors.Unauthorized(w, "Невалидный токен")
				return
			}
			if raw.Subject == "" {
				authDeniedTotal.WithLabelValues("no_subject").Inc()
				apierrors.Unauthorized(w, "В токене отсутствует sub")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, j.claimsFor(raw))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimsFor классифицирует субъект и вычисляет его права.
// Service Account распознаётся по паре client_id + scope; всё
// остальное — пользователь с ролью из групп IdP.
func (j *JWTAuth) claimsFor(raw *keycloakClaims) *AuthClaims {
	claims := &AuthClaims{
		Subject:  raw.Subject,
		Username: raw.PreferredUsername,
	}

	if raw.ClientID != "" && raw.Scope != "" {
		claims.SubjectType = SubjectTypeSA
		claims.ClientID = raw.ClientID
		claims.Scopes = strings.Fields(raw.Scope)
		return claims
	}

	claims.SubjectType = SubjectTypeUser
	claims.Groups = raw.Groups
	claims.Role = j.roleFor(raw)
	return claims
}

// roleFor выводит роль пользователя: сперва по группам IdP, затем —
// если группы роли не дали — по realm_access.roles. Admin старше
// readonly; пустая роль означает отсутствие доступа.
func (j *JWTAuth) roleFor(raw *keycloakClaims) string {
	role := ""
	for _, g := range raw.Groups {
		if j.adminSet[g] {
			return RoleAdmin
		}
		if j.readonlySet[g] {
			role = RoleReadonly
		}
	}
	if role != "" || raw.RealmAccess == nil {
		return role
	}

	for _, r := range raw.RealmAccess.Roles {
		if r == RoleAdmin {
			return RoleAdmin
		}
		if r == RoleReadonly {
			role = RoleReadonly
		}
	}
	return role
}

// RequireRoleOrScope возвращает middleware авторизации: пользователи
// проходят по роли, Service Accounts — по scope. Ставится после
// JWTAuth.Middleware().
func RequireRoleOrScope(roles, scopes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				authDeniedTotal.WithLabelValues("no_claims").Inc()
				apierrors.Unauthorized(w, "Запрос не аутентифицирован")
				return
			}

			if claims.allowed(roles, scopes) {
				next.ServeHTTP(w, r)
				return
			}

			authDeniedTotal.WithLabelValues("forbidden").Inc()
			if claims.SubjectType == SubjectTypeSA {
				apierrors.Forbidden(w, "Требуется scope: "+strings.Join(scopes, " или "))
				return
			}
			apierrors.Forbidden(w, "Требуется роль: "+strings.Join(roles, " или "))
		})
	}
}

// ClaimsFromContext извлекает AuthClaims из контекста запроса.
// Возвращает nil, если запрос не аутентифицирован.
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// SubjectFromContext извлекает sub из контекста запроса.
func SubjectFromContext(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

// Close освобождает ресурсы JWT middleware.
func (j *JWTAuth) Close() {
	// keyfunc v3 не требует явного закрытия
}

// KeycloakReadinessChecker — проверка доступности Keycloak для
// /health/ready: JWKS endpoint должен отвечать и отдавать ключи.
type KeycloakReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewKeycloakReadinessChecker создаёт checker доступности Keycloak.
func NewKeycloakReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*KeycloakReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}

	return &KeycloakReadinessChecker{jwksURL: jwksURL, client: client}, nil
}

const statusFail = "fail"

// CheckReady запрашивает JWKS endpoint. Недоступность — fail;
// ответ без ключей или с невалидным JSON — degraded (валидация
// токенов сломана, но сам Keycloak жив).
func (k *KeycloakReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // G704: URL из конфигурации Keycloak
	if err != nil {
		return statusFail, fmt.Sprintf("Keycloak JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("Keycloak JWKS вернул статус %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return "degraded", fmt.Sprintf("Keycloak JWKS: невалидный JSON: %v", err)
	}
	if len(jwks.Keys) == 0 {
		return "degraded", "Keycloak JWKS: нет ключей"
	}

	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwks.Keys))
}
