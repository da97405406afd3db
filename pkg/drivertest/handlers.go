package drivertest

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rexliu/drvlink/pkg/ipc"
)

func decodeParams(req *ipc.Request, out any) *ipc.ErrorEnvelope {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return ipc.Errorf("Error", "%s: invalid params: %v", req.Method, err)
	}
	return nil
}

func internal(err error) *ipc.ErrorEnvelope {
	return ipc.Errorf("Error", "%v", err)
}

func (d *Driver) installDefaults() {
	d.Handle("Root", "initialize", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		if err := d.Announce(); err != nil {
			return nil, internal(err)
		}
		return map[string]any{"playwright": ChannelRef{GUID: "Playwright"}}, nil
	})

	d.Handle("BrowserType", "launch", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		guid, err := d.Create(req.GUID, "Browser", map[string]any{"version": "0.0.0-fake", "name": req.GUID})
		if err != nil {
			return nil, internal(err)
		}
		return map[string]any{"browser": ChannelRef{GUID: guid}}, nil
	})

	d.Handle("Browser", "newContext", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		guid, err := d.Create(req.GUID, "BrowserContext", nil)
		if err != nil {
			return nil, internal(err)
		}
		return map[string]any{"context": ChannelRef{GUID: guid}}, nil
	})

	d.Handle("Browser", "close", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		if err := d.Emit(req.GUID, "close", nil); err != nil {
			return nil, internal(err)
		}
		if err := d.Dispose(req.GUID); err != nil {
			return nil, internal(err)
		}
		return struct{}{}, nil
	})

	d.Handle("BrowserContext", "newPage", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		d.mu.Lock()
		d.counters["Frame"]++
		frameGUID := "frame@" + strconv.Itoa(d.counters["Frame"])
		d.mu.Unlock()
		pageGUID, err := d.Create(req.GUID, "Page", map[string]any{
			"mainFrame": ChannelRef{GUID: frameGUID},
			"isClosed":  false,
		})
		if err != nil {
			return nil, internal(err)
		}
		if _, err := d.CreateWithGUID(pageGUID, "Frame", frameGUID, map[string]any{
			"url":        "about:blank",
			"name":       "",
			"loadStates": []string{},
		}); err != nil {
			return nil, internal(err)
		}
		if err := d.Emit(req.GUID, "page", map[string]any{"page": ChannelRef{GUID: pageGUID}}); err != nil {
			return nil, internal(err)
		}
		return map[string]any{"page": ChannelRef{GUID: pageGUID}}, nil
	})

	d.Handle("Page", "close", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		if err := d.Emit(req.GUID, "close", nil); err != nil {
			return nil, internal(err)
		}
		if err := d.Dispose(req.GUID); err != nil {
			return nil, internal(err)
		}
		return struct{}{}, nil
	})

	d.Handle("Frame", "goto", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		var p struct {
			URL string `json:"url"`
		}
		if env := decodeParams(req, &p); env != nil {
			return nil, env
		}
		if err := d.Emit(req.GUID, "navigated", map[string]any{"url": p.URL, "name": ""}); err != nil {
			return nil, internal(err)
		}
		for _, state := range []string{"domcontentloaded", "load"} {
			if err := d.Emit(req.GUID, "loadstate", map[string]any{"add": state}); err != nil {
				return nil, internal(err)
			}
		}
		return map[string]any{}, nil
	})

	d.Handle("Frame", "evaluateExpression", func(ctx context.Context, req *ipc.Request) (any, *ipc.ErrorEnvelope) {
		var p struct {
			Expression string          `json:"expression"`
			Arg        json.RawMessage `json:"arg"`
		}
		if env := decodeParams(req, &p); env != nil {
			return nil, env
		}
		var arg struct {
			Value json.RawMessage `json:"value"`
		}
		if len(p.Arg) > 0 && json.Unmarshal(p.Arg, &arg) == nil && len(arg.Value) > 0 {
			return map[string]json.RawMessage{"value": arg.Value}, nil
		}
		return map[string]any{"value": map[string]string{"s": p.Expression}}, nil
	})
}
