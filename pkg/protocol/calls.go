package protocol

// Known worker function names carried in Call.Fn. The broker relays them
// uninterpreted; the client driver exposes one typed method per name.
const (
	FnAddSnippet      = "add snippet"
	FnDeleteSnippet   = "delete snippet"
	FnListSnippets    = "list snippets"
	FnSnippetSetData  = "snippet set data"
	FnSnippetAddData  = "snippet add data"
	FnSnippetRemove   = "snippet remove data"
	FnSnippetTrain    = "snippet train"
	FnSnippetPlotLoss = "snippet plotLastLoss"
	FnSnippetPlot1D   = "snippet plot1D"
	FnSnippetPredict1 = "snippet predict one"
	FnSnippetPredict  = "snippet predict"
	FnSnippetSample   = "snippet sample"
	FnSnippetSetProp  = "snippet setProp"
	FnSnippetGetProp  = "snippet getProp"
	FnSnippetLoadGPR  = "snippet load gpr"
	FnStopSampler     = "stop sampler"
	FnSamplerRunning  = "sampler running"
	FnReset           = "reset"
)

// KnownCalls lists every function name in the fixed contract.
var KnownCalls = []string{
	FnAddSnippet,
	FnDeleteSnippet,
	FnListSnippets,
	FnSnippetSetData,
	FnSnippetAddData,
	FnSnippetRemove,
	FnSnippetTrain,
	FnSnippetPlotLoss,
	FnSnippetPlot1D,
	FnSnippetPredict1,
	FnSnippetPredict,
	FnSnippetSample,
	FnSnippetSetProp,
	FnSnippetGetProp,
	FnSnippetLoadGPR,
	FnStopSampler,
	FnSamplerRunning,
	FnReset,
}
