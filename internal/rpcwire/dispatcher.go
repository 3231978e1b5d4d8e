/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package rpcwire

import (
	"context"
	"encoding/json"
)

// Dispatcher is the boundary the transport calls into. internal/hv
// implements it; rpcwire never imports internal/hv, so the dependency
// points inward (transport -> interface <- core) and a future
// transport swap never needs to know the core's package layout.
//
// method is an opaque string naming one control-RPC operation
// ("Authenticate", "LoadOverlay", "MMIORead", ...); params and the
// returned result are left as raw JSON so rpcwire carries no
// knowledge of the control surface's actual request/response shapes.
// token is the session token supplied with every request except
// Authenticate, or empty for Authenticate itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, token, method string, params json.RawMessage) (json.RawMessage, error)
}
