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

// Version is set at compile time.
var Version string

// Component identifies which component of Bollard is running (e.g.
// "bollard-sync" or "bollard-janitor"). It appears in log lines and in the
// User-Agent header of outgoing requests.
var Component = "bollard"

// SetTaskName identifies which of the binary's subcommands is running.
func SetTaskName(taskName string) {
	Component = "bollard-" + taskName
}
