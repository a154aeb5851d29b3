// validate.go — валидация входящих запросов по OpenAPI-описанию API.
// Проверяются path/query/header параметры; тела запросов исключены
// из валидации: multipart-загрузки и streaming-тела не буферизуются.
package middleware

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	apierrors "github.com/bigkaa/godedupstore/client-module/internal/api/errors"
)

//go:embed openapi.yaml
var openapiSpec []byte

// NewOpenAPIValidator загружает встроенное OpenAPI-описание и
// возвращает middleware валидации запросов.
func NewOpenAPIValidator() (func(http.Handler) http.Handler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI-описания: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("OpenAPI-описание некорректно: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("построение OpenAPI-маршрутизатора: %w", err)
	}

	options := &openapi3filter.Options{
		// Тела не валидируются: multipart и streaming проходят без буферизации
		ExcludeRequestBody: true,
		// Security-схемы обрабатывает JWT middleware, не валидатор
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				// Неописанные пути (health, metrics) пропускаются:
				// их обслуживает chi, 404 тоже решает chi
				if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
					next.ServeHTTP(w, r)
					return
				}
				apierrors.ValidationError(w, err.Error())
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    options,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				var reqErr *openapi3filter.RequestError
				if errors.As(err, &reqErr) {
					apierrors.ValidationError(w, reqErr.Error())
					return
				}
				apierrors.ValidationError(w, err.Error())
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}
