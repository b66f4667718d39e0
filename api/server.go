/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentimestamps/opentimestamps-server/aggregator"
	"github.com/opentimestamps/opentimestamps-server/calendar"
	"github.com/opentimestamps/opentimestamps-server/stamper"
)

// Deps is everything the HTTP surface needs from the rest of the
// server to answer a request. It is injected into every gin.Context
// via middleware rather than threaded through handler signatures
// individually, following cmd/cql-proxy/init.go's c.Set("db", ...) convention.
type Deps struct {
	Store      *calendar.Store
	Aggregator *aggregator.Aggregator
	Backup     *calendar.Backup
	Stamper    *stamper.Stamper // nil on a submit-only / upstream-forwarding node

	URI          string
	DonationAddr string
	HMACKey      []byte

	SubmitTimeout time.Duration
}

const depsKey = "otscald.deps"

func getDeps(c *gin.Context) *Deps {
	return c.MustGet(depsKey).(*Deps)
}

// NewEngine builds the gin engine serving every route from spec §6's
// External Interfaces list, following cmd/cql-proxy's gin.Default() +
// gin.Recovery() + permissive CORS wiring.
func NewEngine(deps *Deps) *gin.Engine {
	e := gin.Default()
	e.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	e.Use(cors.New(corsCfg))

	e.Use(func(c *gin.Context) {
		c.Set(depsKey, deps)
		c.Next()
	})

	AddRoutes(e)

	return e
}

// AddRoutes wires the calendar server's handlers onto e.
func AddRoutes(e *gin.Engine) {
	e.GET("/", info)
	e.POST("/digest", submitDigest)
	e.GET("/timestamp/:digest", getTimestamp)
	e.GET("/tip", getTip)
	e.GET("/backup/:offset", getBackupPage)
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func submitTimeout(deps *Deps) time.Duration {
	if deps.SubmitTimeout > 0 {
		return deps.SubmitTimeout
	}
	return 30 * time.Second
}
