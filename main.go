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

package main

import (
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	janitorcmd "github.com/sapcc/bollard/cmd/janitor"
	synccmd "github.com/sapcc/bollard/cmd/sync"
	"github.com/sapcc/bollard/internal/bollard"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("BOLLARD_DEBUG")

	//The BOLLARD_INSECURE flag can be used to get Bollard to work through
	//mitmproxy (which is very useful for development and debugging). (It's
	//very important that this is not the standard "BOLLARD_DEBUG" variable.
	//That one is meant to be useful for production systems, where you
	//definitely don't want to turn off certificate verification.)
	if osext.GetenvBool("BOLLARD_INSECURE") {
		http.DefaultTransport.(*http.Transport).TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
		http.DefaultClient.Transport = userAgentInjector{http.DefaultTransport}
	}

	rootCmd := &cobra.Command{
		Use:     "bollard",
		Short:   "Metadata mirror for a Docker registry",
		Long:    "Bollard maintains a relational mirror of the repository and tag metadata in a Docker registry. This binary contains both the one-shot sync CLI and the background janitor.",
		Version: bollard.Version,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	synccmd.AddCommandTo(rootCmd)
	janitorcmd.AddCommandTo(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logg.Fatal(err.Error())
	}
}

type userAgentInjector struct {
	Inner http.RoundTripper
}

// RoundTrip implements the http.RoundTripper interface.
func (uai userAgentInjector) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", fmt.Sprintf("%s/%s", bollard.Component, bollard.Version))
	return uai.Inner.RoundTrip(req)
}
