package model

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"meshd/internal/apperr"
)

// variant is the per-family part of a model. validate may write defaults
// into in; plan derives the expected outputs from validated inputs.
type variant interface {
	defaultFormats() Formats
	validate(in Inputs, f Formats) error
	plan(in Inputs) Outputs
}

type variantCtor func(opts map[string]any) (variant, error)

var variants = map[FeatureType]variantCtor{
	FeatureRetopology:   newRetopology,
	FeatureUVUnwrap:     newUVUnwrap,
	FeatureImageToMesh:  newImageToMesh,
	FeatureTextToMesh:   newTextToMesh,
	FeatureRig:          newRig,
	FeatureSegmentation: newSegmentation,
}

var meshFormats = []string{"obj", "glb", "ply", "stl"}

// retopology

type retopology struct {
	variant string
	target  int
}

var retopoTargets = map[string]int{"V1K": 1000, "V4K": 4000}

func newRetopology(opts map[string]any) (variant, error) {
	name := "V1K"
	if v, ok := opts["variant"].(string); ok && v != "" {
		name = strings.ToUpper(v)
	}
	target, ok := retopoTargets[name]
	if !ok {
		return nil, fmt.Errorf("unknown retopology variant %q", name)
	}
	return &retopology{variant: name, target: target}, nil
}

func (r *retopology) defaultFormats() Formats {
	return Formats{Input: meshFormats, Output: []string{"obj", "glb"}}
}

func (r *retopology) validate(in Inputs, f Formats) error {
	if _, err := inputFile(in, "mesh_path", f.Input); err != nil {
		return err
	}
	n, ok, err := intInput(in, "target_vertex_count")
	if err != nil {
		return err
	}
	if !ok {
		n = r.target
	}
	if n <= 0 {
		return apperr.Validation("target_vertex_count must be positive")
	}
	in["target_vertex_count"] = n
	if _, _, err := intInput(in, "seed"); err != nil {
		return err
	}
	return nil
}

func (r *retopology) plan(in Inputs) Outputs {
	src, _ := in["mesh_path"].(string)
	return Outputs{
		"output_mesh_path": outputPath(in, src, "retopo_"+stem(src)),
		"original_stats":   map[string]any{"vertices": 0, "faces": 0},
		"output_stats":     map[string]any{"vertices": 0, "faces": 0},
		"retopology_info": map[string]any{
			"variant":             r.variant,
			"target_vertex_count": in["target_vertex_count"],
			"seed":                in["seed"],
		},
	}
}

// uv unwrapping

type uvUnwrap struct {
	threshold float64
	pack      string
}

var packMethods = []string{"blender", "uvpackmaster", "none"}

func newUVUnwrap(opts map[string]any) (variant, error) {
	u := &uvUnwrap{threshold: 1.25, pack: "blender"}
	if t, ok, err := numberInput(opts, "distortion_threshold"); err != nil {
		return nil, err
	} else if ok {
		if t <= 0 {
			return nil, fmt.Errorf("distortion_threshold must be positive")
		}
		u.threshold = t
	}
	p, err := enumInput(opts, "pack_method", u.pack, packMethods...)
	if err != nil {
		return nil, err
	}
	u.pack = p
	return u, nil
}

func (u *uvUnwrap) defaultFormats() Formats {
	return Formats{Input: []string{"obj", "glb"}, Output: []string{"obj", "glb"}}
}

func (u *uvUnwrap) validate(in Inputs, f Formats) error {
	if _, err := inputFile(in, "mesh_path", f.Input); err != nil {
		return err
	}
	t, ok, err := numberInput(in, "distortion_threshold")
	if err != nil {
		return err
	}
	if !ok {
		t = u.threshold
	}
	if t <= 0 {
		return apperr.Validation("distortion_threshold must be positive")
	}
	in["distortion_threshold"] = t
	p, err := enumInput(in, "pack_method", u.pack, packMethods...)
	if err != nil {
		return err
	}
	in["pack_method"] = p
	save, err := boolInput(in, "save_individual_parts")
	if err != nil {
		return err
	}
	in["save_individual_parts"] = save
	return nil
}

func (u *uvUnwrap) plan(in Inputs) Outputs {
	src, _ := in["mesh_path"].(string)
	name := "uv_" + stem(src)
	var packed any
	if in["pack_method"] != "none" {
		packed = outputPath(in, src, name+"_packed")
	}
	return Outputs{
		"output_mesh_path": outputPath(in, src, name),
		"packed_mesh_path": packed,
		"num_components":   0,
		"distortion":       0.0,
		"uv_info": map[string]any{
			"distortion_threshold": in["distortion_threshold"],
			"pack_method":          in["pack_method"],
		},
	}
}

// image to mesh

type imageToMesh struct{ resolution int }

var textureResolutions = []int{512, 1024, 2048}

func newImageToMesh(opts map[string]any) (variant, error) {
	res, err := resolutionOption(opts)
	if err != nil {
		return nil, err
	}
	return &imageToMesh{resolution: res}, nil
}

func resolutionOption(opts map[string]any) (int, error) {
	res, ok, err := intInput(opts, "texture_resolution")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1024, nil
	}
	return res, checkResolution(res)
}

func checkResolution(res int) error {
	for _, r := range textureResolutions {
		if r == res {
			return nil
		}
	}
	return apperr.Validation("texture_resolution must be one of 512, 1024, 2048")
}

func generationInputs(in Inputs, def int) error {
	res, ok, err := intInput(in, "texture_resolution")
	if err != nil {
		return err
	}
	if !ok {
		res = def
	}
	if err := checkResolution(res); err != nil {
		return err
	}
	in["texture_resolution"] = res
	_, _, err = intInput(in, "seed")
	return err
}

func (v *imageToMesh) defaultFormats() Formats {
	return Formats{Input: []string{"png", "jpg", "jpeg", "webp"}, Output: []string{"glb", "obj"}}
}

func (v *imageToMesh) validate(in Inputs, f Formats) error {
	if _, err := inputFile(in, "image_path", f.Input); err != nil {
		return err
	}
	return generationInputs(in, v.resolution)
}

func (v *imageToMesh) plan(in Inputs) Outputs {
	src, _ := in["image_path"].(string)
	return Outputs{
		"output_mesh_path": outputPath(in, src, "mesh_"+stem(src)),
		"mesh_stats":       map[string]any{"vertices": 0, "faces": 0},
		"generation_info": map[string]any{
			"texture_resolution": in["texture_resolution"],
			"seed":               in["seed"],
		},
	}
}

// text to mesh

type textToMesh struct{ resolution int }

const maxPromptLen = 1024

func newTextToMesh(opts map[string]any) (variant, error) {
	res, err := resolutionOption(opts)
	if err != nil {
		return nil, err
	}
	return &textToMesh{resolution: res}, nil
}

func (v *textToMesh) defaultFormats() Formats {
	return Formats{Output: []string{"glb", "obj"}}
}

func (v *textToMesh) validate(in Inputs, _ Formats) error {
	p, _, err := stringInput(in, "text_prompt")
	if err != nil {
		return err
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return apperr.Validation("missing required input: text_prompt")
	}
	if utf8.RuneCountInString(p) > maxPromptLen {
		return apperr.Validation("text_prompt exceeds %d characters", maxPromptLen)
	}
	in["text_prompt"] = p
	return generationInputs(in, v.resolution)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	s = strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > 32 {
		s = strings.TrimRight(s[:32], "-")
	}
	if s == "" {
		s = "prompt"
	}
	return s
}

func (v *textToMesh) plan(in Inputs) Outputs {
	p, _ := in["text_prompt"].(string)
	return Outputs{
		"output_mesh_path": outputPath(in, "", "mesh_"+slug(p)),
		"mesh_stats":       map[string]any{"vertices": 0, "faces": 0},
		"generation_info": map[string]any{
			"text_prompt":        p,
			"texture_resolution": in["texture_resolution"],
			"seed":               in["seed"],
		},
	}
}

// rigging

type rig struct{}

var rigTypes = []string{"auto", "biped", "quadruped"}

func newRig(map[string]any) (variant, error) { return rig{}, nil }

func (rig) defaultFormats() Formats {
	return Formats{Input: []string{"obj", "glb", "fbx"}, Output: []string{"fbx", "glb"}}
}

func (rig) validate(in Inputs, f Formats) error {
	if _, err := inputFile(in, "mesh_path", f.Input); err != nil {
		return err
	}
	t, err := enumInput(in, "rig_type", "auto", rigTypes...)
	if err != nil {
		return err
	}
	in["rig_type"] = t
	return nil
}

func (rig) plan(in Inputs) Outputs {
	src, _ := in["mesh_path"].(string)
	return Outputs{
		"output_mesh_path": outputPath(in, src, "rigged_"+stem(src)),
		"bone_count":       0,
		"rig_info":         map[string]any{"rig_type": in["rig_type"]},
	}
}

// segmentation

type segmentation struct{}

func newSegmentation(map[string]any) (variant, error) { return segmentation{}, nil }

func (segmentation) defaultFormats() Formats {
	return Formats{Input: []string{"obj", "glb", "ply"}, Output: []string{"glb", "obj"}}
}

func (segmentation) validate(in Inputs, f Formats) error {
	if _, err := inputFile(in, "mesh_path", f.Input); err != nil {
		return err
	}
	n, ok, err := intInput(in, "num_parts")
	if err != nil {
		return err
	}
	if ok && n <= 0 {
		return apperr.Validation("num_parts must be positive")
	}
	if ok {
		in["num_parts"] = n
	}
	return nil
}

func (segmentation) plan(in Inputs) Outputs {
	src, _ := in["mesh_path"].(string)
	n, _ := in["num_parts"].(int)
	return Outputs{
		"output_mesh_path": outputPath(in, src, "seg_"+stem(src)),
		"num_parts":        n,
		"segments":         []any{},
	}
}
