/******************************************************************************
*
*  Copyright 2023 SAP SE
*
*  Licensed under the Apache License, Version 2.0 (the "License");
*  you may not use this file except in compliance with the License.
*  You may obtain a copy of the License at
*
*      http://www.apache.org/licenses/LICENSE-2.0
*
*  Unless required by applicable law or agreed to in writing, software
*  distributed under the License is distributed on an "AS IS" BASIS,
*  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
*  See the License for the specific language governing permissions and
*  limitations under the License.
*
******************************************************************************/

package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is one entry from a registry API error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

// Error implements the builtin/error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parseRegistryAPIError unpacks the standard error envelope
// `{"errors":[{"code":...,"message":...}]}` that registry endpoints return
// alongside non-2xx status codes. Responses that do not carry the envelope
// (e.g. from a proxy in front of the registry) are reported verbatim.
func parseRegistryAPIError(resp *http.Response) error {
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("got %s response, and could not read response body: %w", resp.Status, err)
	}

	var data struct {
		Errors []*APIError `json:"errors"`
	}
	err = json.Unmarshal(respBytes, &data)
	if err == nil && len(data.Errors) > 0 {
		apiErr := data.Errors[0]
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	bodyStr := strings.TrimSpace(string(respBytes))
	if bodyStr == "" {
		return fmt.Errorf("got %s response", resp.Status)
	}
	return fmt.Errorf("got %s response: %s", resp.Status, bodyStr)
}
