//  Copyright 2026 Cody Buell
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

//go:build unix

package cfg

const (
	// defaultConfigFile is the path to the config file on unix based systems.
	defaultConfigFile = `/etc/letsrenew.cfg`
	// defaultLogFile is where renewal runs are persisted on unix based
	// systems.
	defaultLogFile = `/var/log/letsrenew.log`
	// defaultLockFile serializes renewal runs against the host's security
	// group.
	defaultLockFile = `/var/run/letsrenew.lock`
)
