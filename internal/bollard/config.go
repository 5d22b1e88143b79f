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

package bollard

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
)

// Configuration contains all configuration values that are read from the
// process environment.
type Configuration struct {
	DatabaseURL url.URL

	//connection parameters for the registry whose metadata we mirror
	RegistryURL      string
	RegistryUserName string
	RegistryPassword string

	//janitor scheduling
	SyncInterval         time.Duration
	CatalogCheckInterval time.Duration
}

// ParseConfiguration obtains a bollard.Configuration instance from the
// corresponding environment variables. Aborts on error.
func ParseConfiguration() Configuration {
	return Configuration{
		DatabaseURL:          getDatabaseURLFromEnvironment(),
		RegistryURL:          strings.TrimSuffix(osext.MustGetenv("BOLLARD_REGISTRY_URL"), "/"),
		RegistryUserName:     os.Getenv("BOLLARD_REGISTRY_USERNAME"),
		RegistryPassword:     os.Getenv("BOLLARD_REGISTRY_PASSWORD"),
		SyncInterval:         getenvDuration("BOLLARD_SYNC_INTERVAL", "30m"),
		CatalogCheckInterval: getenvDuration("BOLLARD_CATALOG_CHECK_INTERVAL", "1h"),
	}
}

// getDatabaseURLFromEnvironment reads the BOLLARD_DB_* environment variables.
func getDatabaseURLFromEnvironment() url.URL {
	return must.Return(easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("BOLLARD_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("BOLLARD_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("BOLLARD_DB_USERNAME", "postgres"),
		Password:          os.Getenv("BOLLARD_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("BOLLARD_DB_CONNECTION_OPTIONS"),
		DatabaseName:      osext.GetenvOrDefault("BOLLARD_DB_NAME", "bollard"),
	}))
}

func getenvDuration(key, defaultValue string) time.Duration {
	val := osext.GetenvOrDefault(key, defaultValue)
	d, err := time.ParseDuration(val)
	if err != nil {
		logg.Fatal("malformed %s: %s", key, err.Error())
	}
	return d
}
