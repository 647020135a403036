package sessionloop

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/martinemde/sceneloop/runlog"
)

// Base render resolution; the effective resolution is the base scaled
// by RenderConfig.ResolutionScale and rounded to even pixel dimensions.
const (
	BaseResolutionWidth  = 1920
	BaseResolutionHeight = 1080
)

// Valid image prefixes on the wire. Anything else falls back to
// "render", matching the executor's file naming convention.
const (
	PrefixRender       = "render"
	PrefixRenderVerify = "render_verify"
)

// RenderConfig configures one render request.
type RenderConfig struct {
	NumImages         int     // [1,10]
	ResolutionScale   float64 // [0.1,1.0]
	GPURendering      bool
	HeadlessRendering bool
	ImagePrefix       string // "render" (default) or "render_verify"
}

// DefaultRenderConfig returns the default render settings.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		NumImages:         5,
		ResolutionScale:   1.0,
		HeadlessRendering: true,
		ImagePrefix:       PrefixRender,
	}
}

// Validate rejects out-of-range configuration before any dispatch.
// Values are never clamped here; normalization of user input belongs
// to the configuration boundary.
func (c RenderConfig) Validate() error {
	if c.NumImages < 1 || c.NumImages > 10 {
		return newConfigurationError("num_images", "must be between 1 and 10, got %d", c.NumImages)
	}
	if c.ResolutionScale < 0.1 || c.ResolutionScale > 1.0 {
		return newConfigurationError("resolution_scale", "must be between 0.1 and 1.0, got %g", c.ResolutionScale)
	}
	return nil
}

// prefix returns the effective image prefix.
func (c RenderConfig) prefix() string {
	if c.ImagePrefix == PrefixRender || c.ImagePrefix == PrefixRenderVerify {
		return c.ImagePrefix
	}
	return PrefixRender
}

// Resolution returns the effective render dimensions: base resolution
// scaled and rounded to even pixels.
func (c RenderConfig) Resolution() (width, height int) {
	return evenPixels(BaseResolutionWidth, c.ResolutionScale), evenPixels(BaseResolutionHeight, c.ResolutionScale)
}

func evenPixels(base int, scale float64) int {
	px := int(math.Round(float64(base) * scale))
	if px%2 != 0 {
		px++
	}
	if px < 2 {
		px = 2
	}
	return px
}

// RenderResult holds one completed render batch. It lives only until
// the consuming phase step (critique) completes.
type RenderResult struct {
	Prefix string
	Images []ImageUpload
	Report *ExecutionReport
}

// BuildRenderScript produces the render-dispatch script for the
// executor. The output directory placeholder is substituted by the
// executor with its local per-session image directory.
func BuildRenderScript(cfg RenderConfig) string {
	w, h := cfg.Resolution()
	percent := int(math.Round(cfg.ResolutionScale * 100))

	var sb strings.Builder
	sb.WriteString("import bpy\n")
	sb.WriteString("scene = bpy.context.scene\n")
	fmt.Fprintf(&sb, "scene.render.resolution_x = %d\n", w)
	fmt.Fprintf(&sb, "scene.render.resolution_y = %d\n", h)
	fmt.Fprintf(&sb, "scene.render.resolution_percentage = %d\n", percent)
	fmt.Fprintf(&sb, "render_scene(num_images=%d, prefix='%s', use_gpu=%s, output_path='__SCENELOOP_OUTPUT_DIR__')\n",
		cfg.NumImages, cfg.prefix(), pythonBool(cfg.GPURendering))
	return sb.String()
}

func pythonBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Render drives one render request through the retry-execute engine
// and collects the declared number of image uploads. A short batch is
// treated as a failed render attempt and corrected exactly like a
// failed modeling script.
func (s *Session) Render(ctx context.Context, cfg RenderConfig) (*RenderResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	prefix := cfg.prefix()
	template := Instruction{
		Script:          BuildRenderScript(cfg),
		ExpectsRender:   true,
		ImagePrefix:     prefix,
		Count:           cfg.NumImages,
		ResolutionScale: cfg.ResolutionScale,
		GPURendering:    cfg.GPURendering,
	}

	s.emitter.Emit(EventRenderRequested, map[string]interface{}{
		"num_images":   cfg.NumImages,
		"image_prefix": prefix,
	})

	prevSeq := -1
	for {
		report, err := s.executeRetry(ctx, template, prevSeq)
		if err != nil {
			return nil, err
		}

		images, err := s.collectImages(ctx, cfg.NumImages)
		if err == nil {
			s.emitter.Emit(EventRenderCompleted, map[string]interface{}{
				"num_images":   len(images),
				"image_prefix": prefix,
			})
			s.log(runlog.EventRenderCompleted, s.lastSeq(), "")
			return &RenderResult{Prefix: prefix, Images: images, Report: report}, nil
		}

		// Short upload batch: fail the succeeded render attempt after
		// the fact and route it through the correction path.
		detail := fmt.Sprintf("expected %d rendered images, received %d before upload timeout", cfg.NumImages, len(images))
		seq := s.lastSeq()
		if rerr := s.failAttempt(seq, detail); rerr != nil {
			return nil, rerr
		}
		s.emitter.Emit(EventAttemptFailed, map[string]interface{}{
			"seq":   seq,
			"error": detail,
		})
		s.log(runlog.EventAttemptFailed, seq, detail)

		fix, aerr := s.agent.Correct(ctx, template.Script, detail, s.History())
		if aerr != nil {
			return nil, aerr
		}
		if fix == "" {
			return nil, &UncorrectableError{
				loopError: loopError{
					Message: "agent declined further correction",
					Cause: &ScriptRuntimeError{
						loopError: loopError{Message: detail},
						Seq:       seq,
					},
				},
				Seq:    seq,
				Detail: detail,
			}
		}
		prevSeq = seq
		template.Script = fix
	}
}

// collectImages blocks until n uploads arrive, each wait bounded by
// the upload timeout. On timeout it returns the partial batch and a
// transport error.
func (s *Session) collectImages(ctx context.Context, n int) ([]ImageUpload, error) {
	images := make([]ImageUpload, 0, n)
	for len(images) < n {
		ictx, cancel := context.WithTimeout(ctx, s.config.UploadTimeout)
		u, err := s.channel.NextImage(ictx)
		cancel()
		if err != nil {
			return images, newTransportError("image", err)
		}
		images = append(images, u)
		s.emitter.Emit(EventImageReceived, map[string]interface{}{
			"filename": u.Filename(),
			"index":    u.Index,
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Index < images[j].Index })
	return images, nil
}
