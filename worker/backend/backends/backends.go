// Package backends registers every built-in queue backend. Import it for
// side effects when the backend is chosen by config:
//
//	import _ "github.com/strutframework/strut/worker/backend/backends"
//
// Apps that want a smaller dependency surface can import the individual
// backend packages instead.
package backends

import (
	_ "github.com/strutframework/strut/worker/backend/channel"
	_ "github.com/strutframework/strut/worker/backend/postgres"
	_ "github.com/strutframework/strut/worker/backend/redis"
)
