/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package hv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fabrichv/hypervisor/internal/hverr"
)

// ControlDispatcher implements rpcwire.Dispatcher over the session-
// authenticated control surface only. cmd/hypervisord binds it to the
// control socket (0666); management methods are not switch cases it
// can reach, so no token, however forged, ever routes a request from
// that socket into the management surface.
type ControlDispatcher struct{ H *Hypervisor }

func (d ControlDispatcher) Dispatch(ctx context.Context, token, method string, params json.RawMessage) (json.RawMessage, error) {
	return d.H.dispatchControl(ctx, token, method, params)
}

// ManagementDispatcher implements rpcwire.Dispatcher over the
// privileged management surface only. cmd/hypervisord binds it to the
// management socket (0600, root-owned); that file mode is the sole
// authorization check, so this type must never be reachable from the
// control socket.
type ManagementDispatcher struct{ H *Hypervisor }

func (d ManagementDispatcher) Dispatch(ctx context.Context, token, method string, params json.RawMessage) (json.RawMessage, error) {
	return d.H.dispatchManagement(ctx, method, params)
}

func marshal(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, hverr.New(hverr.Internal, "hv.Dispatch", err)
	}
	return b, nil
}

func unmarshal(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return hverr.Newf(hverr.InvalidArgument, "hv.Dispatch", "missing request parameters")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return hverr.New(hverr.InvalidArgument, "hv.Dispatch", err)
	}
	return nil
}

func (h *Hypervisor) dispatchControl(ctx context.Context, token, method string, params json.RawMessage) (json.RawMessage, error) {
	if method == "Authenticate" {
		return h.rpcAuthenticate(params)
	}

	tenantID, err := h.Sessions.Validate(token)
	if err != nil {
		return nil, err
	}

	switch method {
	case "LoadOverlay":
		return h.rpcLoadOverlay(ctx, tenantID, params)
	case "GetOverlayInfo":
		return h.rpcGetOverlayInfo(tenantID, params)
	case "CreateMMIO":
		return h.rpcCreateMMIO(ctx, tenantID, params)
	case "MMIORead":
		return h.rpcMMIORead(ctx, tenantID, params)
	case "MMIOWrite":
		return h.rpcMMIOWrite(ctx, tenantID, params)
	case "AllocateBuffer":
		return h.rpcAllocateBuffer(ctx, tenantID, params)
	case "ReadBuffer":
		return h.rpcReadBuffer(ctx, tenantID, params)
	case "WriteBuffer":
		return h.rpcWriteBuffer(ctx, tenantID, params)
	case "FreeBuffer":
		return h.rpcFreeBuffer(ctx, tenantID, params)
	case "CreateDMA":
		return h.rpcCreateDMA(ctx, tenantID, params)
	case "DMATransfer":
		return h.rpcDMATransfer(ctx, tenantID, params)
	case "GetDMAStatus":
		return h.rpcGetDMAStatus(ctx, tenantID, params)
	}
	return nil, hverr.Newf(hverr.InvalidArgument, "hv.Dispatch", "unknown method %q", method)
}

type authenticateReq struct {
	TenantID string `json:"tenant_id"`
	Key      string `json:"key"`
}

type authenticateResp struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	// FastToken is the 16-byte auth token (hex-encoded) the client
	// presents on a new fast MMIO path connection; derived from Token,
	// not a second secret.
	FastToken string `json:"fast_token"`
}

func (h *Hypervisor) rpcAuthenticate(params json.RawMessage) (json.RawMessage, error) {
	var req authenticateReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	s, err := h.Sessions.Authenticate(req.TenantID, req.Key)
	if err != nil {
		return nil, err
	}
	// The fast path's wire auth token is fixed at 16 bytes while session
	// tokens are "tenantID:32-hex-chars"; digest down to a stable 16-byte
	// value rather than truncating, so distinct sessions never collide
	// just because they share a tenant ID prefix.
	digest := sha256.Sum256([]byte(s.Token))
	var tokBuf [16]byte
	copy(tokBuf[:], digest[:16])
	h.Fast.RegisterToken(tokBuf, s.TenantID)
	return marshal(authenticateResp{
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt.Unix(),
		FastToken: hex.EncodeToString(tokBuf[:]),
	})
}

type loadOverlayReq struct {
	BitstreamPath string `json:"bitstream_path"`
}

type loadOverlayResp struct {
	Handle  string                     `json:"handle"`
	IPCores map[string]addressRangeDTO `json:"ip_cores"`
}

type addressRangeDTO struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
}

func (h *Hypervisor) rpcLoadOverlay(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req loadOverlayReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	path := h.ResolveBitstreamPath(req.BitstreamPath)
	handle, ipCores, err := h.Res.LoadOverlay(ctx, tenantID, path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]addressRangeDTO, len(ipCores))
	for name, r := range ipCores {
		out[name] = addressRangeDTO{Base: r.Base, Length: r.Length}
	}
	return marshal(loadOverlayResp{Handle: handle, IPCores: out})
}

type overlayHandleReq struct {
	Handle string `json:"handle"`
}

type overlayInfoResp struct {
	Zone    int                        `json:"zone"`
	IPCores map[string]addressRangeDTO `json:"ip_cores"`
}

func (h *Hypervisor) rpcGetOverlayInfo(tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req overlayHandleReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	rec, err := h.Res.GetOverlayInfo(tenantID, req.Handle)
	if err != nil {
		return nil, err
	}
	out := make(map[string]addressRangeDTO, len(rec.IPCores))
	for name, r := range rec.IPCores {
		out[name] = addressRangeDTO{Base: r.Base, Length: r.Length}
	}
	return marshal(overlayInfoResp{Zone: rec.Zone, IPCores: out})
}

type createMMIOReq struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
}

type handleResp struct {
	Handle string `json:"handle"`
}

func (h *Hypervisor) rpcCreateMMIO(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req createMMIOReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	handle, err := h.Res.CreateMMIO(ctx, tenantID, req.Base, req.Length)
	if err != nil {
		return nil, err
	}
	return marshal(handleResp{Handle: handle})
}

type mmioReadReq struct {
	Handle string `json:"handle"`
	Offset uint32 `json:"offset"`
}

type mmioReadResp struct {
	Value uint32 `json:"value"`
}

func (h *Hypervisor) rpcMMIORead(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req mmioReadReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	v, err := h.Res.MMIORead(ctx, tenantID, req.Handle, req.Offset)
	if err != nil {
		return nil, err
	}
	return marshal(mmioReadResp{Value: v})
}

type mmioWriteReq struct {
	Handle string `json:"handle"`
	Offset uint32 `json:"offset"`
	Value  uint64 `json:"value"`
}

func (h *Hypervisor) rpcMMIOWrite(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req mmioWriteReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := h.Res.MMIOWrite(ctx, tenantID, req.Handle, req.Offset, req.Value); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

type allocateBufferReq struct {
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
}

type allocateBufferResp struct {
	Handle          string `json:"handle"`
	PhysicalAddress uint64 `json:"physical_address"`
	TotalSize       uint64 `json:"total_size"`
}

func (h *Hypervisor) rpcAllocateBuffer(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req allocateBufferReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	handle, info, err := h.Res.AllocateBuffer(ctx, tenantID, req.Shape, req.Dtype)
	if err != nil {
		return nil, err
	}
	return marshal(allocateBufferResp{Handle: handle, PhysicalAddress: info.PhysicalAddress, TotalSize: info.TotalSize})
}

type bufferIOReq struct {
	Handle string `json:"handle"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

type bufferReadResp struct {
	Data []byte `json:"data"`
}

func (h *Hypervisor) rpcReadBuffer(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req bufferIOReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	data, err := h.Res.ReadBuffer(ctx, tenantID, req.Handle, req.Offset, req.Length)
	if err != nil {
		return nil, err
	}
	return marshal(bufferReadResp{Data: data})
}

func (h *Hypervisor) rpcWriteBuffer(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req bufferIOReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := h.Res.WriteBuffer(ctx, tenantID, req.Handle, req.Offset, req.Data); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

func (h *Hypervisor) rpcFreeBuffer(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req overlayHandleReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := h.Res.FreeBuffer(ctx, tenantID, req.Handle); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

type createDMAReq struct {
	Name string `json:"name"`
}

func (h *Hypervisor) rpcCreateDMA(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req createDMAReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	handle, err := h.Res.CreateDMA(ctx, tenantID, req.Name)
	if err != nil {
		return nil, err
	}
	return marshal(handleResp{Handle: handle})
}

type dmaTransferReq struct {
	DMAHandle    string `json:"dma_handle"`
	BufferHandle string `json:"buffer_handle"`
	ToDevice     bool   `json:"to_device"`
	Length       uint64 `json:"length"`
}

func (h *Hypervisor) rpcDMATransfer(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req dmaTransferReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := h.Res.DMATransfer(ctx, tenantID, req.DMAHandle, req.BufferHandle, req.ToDevice, req.Length); err != nil {
		return nil, err
	}
	return marshal(struct{}{})
}

type dmaStatusResp struct {
	Status string `json:"status"`
}

func (h *Hypervisor) rpcGetDMAStatus(ctx context.Context, tenantID string, params json.RawMessage) (json.RawMessage, error) {
	var req overlayHandleReq
	if err := unmarshal(params, &req); err != nil {
		return nil, err
	}
	status, err := h.Res.GetDMAStatus(ctx, tenantID, req.Handle)
	if err != nil {
		return nil, err
	}
	return marshal(dmaStatusResp{Status: string(status)})
}
