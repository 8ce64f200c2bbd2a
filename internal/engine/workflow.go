package engine

import "fmt"

// Node ids of the tile workflow. SaveImage output is read back by id.
const (
	nodeCheckpoint = "1"
	nodeLoRA       = "2"
	nodePositive   = "3"
	nodeNegative   = "4"
	nodeLatent     = "5"
	nodeLoadImage  = "6"
	nodeInpaintEnc = "7"
	nodeSampler    = "8"
	nodeDecode     = "9"
	nodeSave       = "10"
)

// node is one entry of a ComfyUI API-format prompt.
type node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// link references output slot of another node.
func link(id string, slot int) []any {
	return []any{id, slot}
}

// Models names the checkpoint and LoRA loaded for every pass.
type Models struct {
	Checkpoint        string
	LoRA              string
	LoRAStrengthModel float64
	LoRAStrengthClip  float64
}

// buildWorkflow returns the node graph for req. sourceName is the uploaded
// image name and is only used for inpaint requests.
func buildWorkflow(m Models, req Request, sourceName string) map[string]node {
	s := req.Sampling
	g := map[string]node{
		nodeCheckpoint: {
			ClassType: "CheckpointLoaderSimple",
			Inputs:    map[string]any{"ckpt_name": m.Checkpoint},
		},
		nodePositive: {
			ClassType: "CLIPTextEncode",
			Inputs:    map[string]any{"text": req.Positive},
		},
		nodeNegative: {
			ClassType: "CLIPTextEncode",
			Inputs:    map[string]any{"text": req.Negative},
		},
		nodeDecode: {
			ClassType: "VAEDecode",
			Inputs: map[string]any{
				"samples": link(nodeSampler, 0),
				"vae":     link(nodeCheckpoint, 2),
			},
		},
		nodeSave: {
			ClassType: "SaveImage",
			Inputs: map[string]any{
				"filename_prefix": fmt.Sprintf("tile_%s", req.Target.Key()),
				"images":          link(nodeDecode, 0),
			},
		},
	}

	model, clip := link(nodeCheckpoint, 0), link(nodeCheckpoint, 1)
	if m.LoRA != "" {
		g[nodeLoRA] = node{
			ClassType: "LoraLoader",
			Inputs: map[string]any{
				"lora_name":      m.LoRA,
				"strength_model": m.LoRAStrengthModel,
				"strength_clip":  m.LoRAStrengthClip,
				"model":          model,
				"clip":           clip,
			},
		}
		model, clip = link(nodeLoRA, 0), link(nodeLoRA, 1)
	}
	g[nodePositive].Inputs["clip"] = clip
	g[nodeNegative].Inputs["clip"] = clip

	var latent []any
	if req.Inpaint() {
		g[nodeLoadImage] = node{
			ClassType: "LoadImage",
			Inputs:    map[string]any{"image": sourceName},
		}
		g[nodeInpaintEnc] = node{
			ClassType: "VAEEncodeForInpaint",
			Inputs: map[string]any{
				"pixels":       link(nodeLoadImage, 0),
				"mask":         link(nodeLoadImage, 1),
				"vae":          link(nodeCheckpoint, 2),
				"grow_mask_by": s.GrowMaskBy,
			},
		}
		latent = link(nodeInpaintEnc, 0)
	} else {
		g[nodeLatent] = node{
			ClassType: "EmptyLatentImage",
			Inputs: map[string]any{
				"width":      s.Width,
				"height":     s.Height,
				"batch_size": 1,
			},
		}
		latent = link(nodeLatent, 0)
	}

	g[nodeSampler] = node{
		ClassType: "KSampler",
		Inputs: map[string]any{
			"seed":         s.Seed,
			"steps":        s.Steps,
			"cfg":          s.CFG,
			"sampler_name": s.Sampler,
			"scheduler":    s.Scheduler,
			"denoise":      s.Denoise,
			"model":        model,
			"positive":     link(nodePositive, 0),
			"negative":     link(nodeNegative, 0),
			"latent_image": latent,
		},
	}
	return g
}
