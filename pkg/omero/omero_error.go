package omero

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

var (
	ErrOmeroAPI     = errors.New("omero api")
	ErrNotFound     = errors.New("not found")
	ErrNotConnected = errors.New("not connected")
	ErrUnsupported  = errors.New("not supported by OMERO.web")
)

// ErrorResponse describes the JSON OMERO.web responds with when an API call fails.
type ErrorResponse struct {
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

func ToErrorFromResponse(resp *resty.Response) (*ErrorResponse, error) {
	return toErrorResponse(resp.StatusCode(), resp.Body())
}

func toErrorResponse(status int, body []byte) (*ErrorResponse, error) {
	var errorResponse ErrorResponse
	if err := json.Unmarshal(body, &errorResponse); err != nil || errorResponse.Message == "" {
		errorResponse.Message = http.StatusText(status)
	}

	err := errors.Join(ErrOmeroAPI, fmt.Errorf("(HTTP Status: %d)- %s", status, errorResponse.Message))
	if status == http.StatusNotFound {
		err = errors.Join(ErrNotFound, err)
	}

	return &errorResponse, err
}
