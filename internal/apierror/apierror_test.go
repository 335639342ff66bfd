/*
Copyright 2025 Satsback Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apierror_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/satsback/satsback/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestNewAPIError(t *testing.T) {
	details := "mint returned an unexpected response"
	apiErr := apierror.NewAPIError(apierror.ErrInternalServer, "Something went wrong", details)

	assert.Equal(t, apierror.ErrInternalServer, apiErr.Code)
	assert.Equal(t, "Something went wrong", apiErr.Message)
	assert.Equal(t, details, apiErr.Details)
	assert.Equal(t, "INTERNAL_SERVER_ERROR: Something went wrong", apiErr.Error())
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code   apierror.ErrorCode
		status int
	}{
		{apierror.ErrNotFound, http.StatusNotFound},
		{apierror.ErrConflict, http.StatusConflict},
		{apierror.ErrBadRequest, http.StatusBadRequest},
		{apierror.ErrInvalidInput, http.StatusBadRequest},
		{apierror.ErrUnauthorized, http.StatusUnauthorized},
		{apierror.ErrInternalServer, http.StatusInternalServerError},
		{apierror.ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		err := apierror.NewAPIError(tt.code, "message", nil)
		assert.Equal(t, tt.status, apierror.MapErrorToHTTPStatus(err))
	}
}

func TestMapErrorToHTTPStatus_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, apierror.MapErrorToHTTPStatus(errors.New("boom")))
}
