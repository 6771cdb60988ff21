package usecase

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(newError(ErrorValidation, "x", nil)))
	require.Equal(t, http.StatusUnauthorized, HTTPStatus(newError(ErrorAuth, "x", nil)))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(newError(ErrorTransientInfra, "x", nil)))
	require.Equal(t, http.StatusBadGateway, HTTPStatus(newError(ErrorAIProvider, "x", nil)))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(newError(ErrorPersistence, "x", nil)))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestCode_UnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("outer: %w", newError(ErrorAuth, "Invalid API key", nil))
	require.Equal(t, ErrorAuth, Code(err))
	require.Equal(t, "Invalid API key", PublicMessage(err))
}

func TestPublicMessage_HidesServerSideCauses(t *testing.T) {
	err := newError(ErrorPersistence, "save_exchange_error", errors.New("table arn:aws:... not found"))
	require.Equal(t, "Internal server error", PublicMessage(err))
	require.Equal(t, "AI provider error", PublicMessage(newError(ErrorAIProvider, "openai_error", nil)))
	require.Equal(t, "Internal server error", PublicMessage(errors.New("plain")))
}

func TestError_Format(t *testing.T) {
	require.Equal(t, "usecase: AUTH_ERROR (Missing API key)", newError(ErrorAuth, "Missing API key", nil).Error())
	require.Equal(t, "usecase: PERSISTENCE_ERROR (x): boom", newError(ErrorPersistence, "x", errBoom).Error())
	var nilErr *Error
	require.Empty(t, nilErr.Error())
	require.NoError(t, nilErr.Unwrap())
}
