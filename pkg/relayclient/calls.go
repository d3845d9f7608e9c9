package relayclient

import (
	"context"
	"encoding/json"
	"fmt"

	"snippet-relay/pkg/protocol"
)

// Prediction is the result of PredictOne.
type Prediction struct {
	Mean float64 `json:"mean"`
	Cov  float64 `json:"cov"`
}

// Predictions is the result of Predict.
type Predictions struct {
	Mean []float64 `json:"mean"`
	Cov  []float64 `json:"cov"`
}

// Plot1DArgs are the arguments of Plot1D.
type Plot1DArgs struct {
	Name string  `json:"name"`
	X    any     `json:"x"`
	Dim  int     `json:"dim"`
	RMin float64 `json:"rmin"`
	RMax float64 `json:"rmax"`
	N    int     `json:"n"`
}

type nameArgs struct {
	Name string `json:"name"`
}

type dataArgs struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

type propArgs struct {
	Name     string `json:"name"`
	PropName string `json:"propName"`
	Val      any    `json:"val,omitempty"`
}

// invoke validates args locally and performs the call. Validation failures
// return ErrLocalValidation without touching the connection.
func (c *Client) invoke(ctx context.Context, fn string, args any) (json.RawMessage, error) {
	if err := validateArgs(fn, args); err != nil {
		return nil, err
	}
	return c.Call(ctx, fn, args)
}

func invokeAs[T any](ctx context.Context, c *Client, fn string, args any) (T, error) {
	var out T
	raw, err := c.invoke(ctx, fn, args)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("relayclient: decode %q result: %w", fn, err)
	}
	return out, nil
}

// AddSnippet creates a snippet and reports whether it was added.
func (c *Client) AddSnippet(ctx context.Context, name string) (bool, error) {
	return invokeAs[bool](ctx, c, protocol.FnAddSnippet, nameArgs{Name: name})
}

// DeleteSnippet removes a snippet.
func (c *Client) DeleteSnippet(ctx context.Context, name string) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnDeleteSnippet, nameArgs{Name: name})
}

// ListSnippets returns the names of all snippets.
func (c *Client) ListSnippets(ctx context.Context) ([]string, error) {
	return invokeAs[[]string](ctx, c, protocol.FnListSnippets, struct{}{})
}

// SetData replaces a snippet's training data.
func (c *Client) SetData(ctx context.Context, name string, data any) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetSetData, dataArgs{Name: name, Data: data})
}

// AddData appends one training point.
func (c *Client) AddData(ctx context.Context, name string, x, y any) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetAddData, struct {
		Name string `json:"name"`
		X    any    `json:"x"`
		Y    any    `json:"y"`
	}{name, x, y})
}

// RemoveData drops the training point at index.
func (c *Client) RemoveData(ctx context.Context, name string, index int) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetRemove, struct {
		Name  string `json:"name"`
		Index int    `json:"index"`
	}{name, index})
}

// Train fits the snippet and returns the worker's kernel description.
func (c *Client) Train(ctx context.Context, name string) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetTrain, nameArgs{Name: name})
}

// PlotLastLoss returns the loss curve of the last training run.
func (c *Client) PlotLastLoss(ctx context.Context, name string) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetPlotLoss, nameArgs{Name: name})
}

// Plot1D returns a one-dimensional slice of the model.
func (c *Client) Plot1D(ctx context.Context, args Plot1DArgs) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetPlot1D, args)
}

// PredictOne predicts a single point.
func (c *Client) PredictOne(ctx context.Context, name string, data any) (Prediction, error) {
	return invokeAs[Prediction](ctx, c, protocol.FnSnippetPredict1, dataArgs{Name: name, Data: data})
}

// Predict predicts a batch of points.
func (c *Client) Predict(ctx context.Context, name string, data []any) (Predictions, error) {
	return invokeAs[Predictions](ctx, c, protocol.FnSnippetPredict, dataArgs{Name: name, Data: data})
}

// Sample starts the sampler with params. Progress arrives as push events.
func (c *Client) Sample(ctx context.Context, name string, params any) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetSample, dataArgs{Name: name, Data: params})
}

// SetProp sets a named property on the snippet.
func (c *Client) SetProp(ctx context.Context, name, propName string, val any) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetSetProp, propArgs{Name: name, PropName: propName, Val: val})
}

// GetProp reads a named property of the snippet.
func (c *Client) GetProp(ctx context.Context, name, propName string) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetGetProp, propArgs{Name: name, PropName: propName})
}

// LoadGPR restores a snippet from previously exported kernel data.
func (c *Client) LoadGPR(ctx context.Context, name string, kernelData any) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnSnippetLoadGPR, struct {
		Name       string `json:"name"`
		KernelData any    `json:"kernelData"`
	}{name, kernelData})
}

// StopSampler stops a running sampler.
func (c *Client) StopSampler(ctx context.Context) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnStopSampler, struct{}{})
}

// SamplerRunning reports whether the sampler is running.
func (c *Client) SamplerRunning(ctx context.Context) (bool, error) {
	return invokeAs[bool](ctx, c, protocol.FnSamplerRunning, struct{}{})
}

// Reset clears all worker state.
func (c *Client) Reset(ctx context.Context) (json.RawMessage, error) {
	return c.invoke(ctx, protocol.FnReset, struct{}{})
}
