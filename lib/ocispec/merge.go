package ocispec

import (
	"strings"
)

// MergeConfig merges application intent over a base image configuration,
// per the config-merge rules:
//
//   - Env: union; application keys override base keys; order is base-first
//     then application-added.
//   - WorkingDir: application value if set, else base.
//   - Entrypoint/Cmd: application Entrypoint replaces base Entrypoint, unless
//     the base image is distroless and the application entrypoint's argv[0]
//     is a shell, in which case the application entrypoint is demoted to Cmd
//     and the base Entrypoint is preserved. Cmd otherwise: application value
//     if set, else base.
//   - User, Labels: application overrides/merges over base (labels merged
//     key-wise, application wins on conflict).
//   - ExposedPorts: application value when non-empty.
//
// base may be nil (scratch / no base image); app is always treated as fully
// specified intent (zero values mean "unset").
func MergeConfig(base *Image, app ImageConfig, platform Platform) *Image {
	out := &Image{
		Architecture: platform.Architecture,
		OS:           platform.OS,
	}

	var baseConfig ImageConfig
	if base != nil {
		baseConfig = base.Config
		if out.Architecture == "" {
			out.Architecture = base.Architecture
		}
		if out.OS == "" {
			out.OS = base.OS
		}
		out.RootFS = base.RootFS
		out.History = base.History
	}

	merged := ImageConfig{
		Env:          mergeEnv(baseConfig.Env, app.Env),
		WorkingDir:   firstNonEmpty(app.WorkingDir, baseConfig.WorkingDir),
		User:         firstNonEmpty(app.User, baseConfig.User),
		Labels:       mergeLabels(baseConfig.Labels, app.Labels),
		ExposedPorts: baseConfig.ExposedPorts,
	}
	if len(app.ExposedPorts) > 0 {
		merged.ExposedPorts = app.ExposedPorts
	}

	entrypoint, cmd := mergeEntrypointCmd(baseConfig, app, isDistroless(merged.Labels, baseConfig.Labels))
	merged.Entrypoint = entrypoint
	merged.Cmd = cmd

	out.Config = merged
	return out
}

// mergeEnv unions base and application Env lists. Application keys override
// base keys in place (preserving the base slot); keys only present in the
// application list are appended, in application order.
func mergeEnv(base, app []string) []string {
	type kv struct {
		key, full string
	}
	parse := func(s string) kv {
		if i := strings.IndexByte(s, '='); i >= 0 {
			return kv{key: s[:i], full: s}
		}
		return kv{key: s, full: s}
	}

	result := make([]string, len(base))
	copy(result, base)

	index := make(map[string]int, len(base))
	for i, e := range base {
		index[parse(e).key] = i
	}

	for _, e := range app {
		k := parse(e).key
		if i, ok := index[k]; ok {
			result[i] = e
			continue
		}
		index[k] = len(result)
		result = append(result, e)
	}
	return result
}

// mergeLabels merges base and application labels key-wise; application wins
// on conflict.
func mergeLabels(base, app map[string]string) map[string]string {
	if len(base) == 0 && len(app) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(app))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range app {
		merged[k] = v
	}
	return merged
}

// isDistroless reports whether the base image self-identifies as distroless
// via a well-known label substring. Checked against the merged label set
// (which already carries the base's labels unless the app overrode them) and
// the raw base labels, since the app is not expected to declare this label.
func isDistroless(merged, base map[string]string) bool {
	check := func(labels map[string]string) bool {
		for _, key := range []string{AnnotationBaseImageName, "name"} {
			if v, ok := labels[key]; ok && strings.Contains(strings.ToLower(v), "distroless") {
				return true
			}
		}
		return false
	}
	return check(base) || check(merged)
}

var shellArgv0 = map[string]bool{
	"sh": true, "bash": true, "/bin/sh": true, "/bin/bash": true,
}

// mergeEntrypointCmd applies the Entrypoint/Cmd merge and distroless-demotion
// rule described on MergeConfig.
func mergeEntrypointCmd(base, app ImageConfig, distroless bool) (entrypoint, cmd []string) {
	if len(app.Entrypoint) > 0 && distroless && shellArgv0[app.Entrypoint[0]] {
		return base.Entrypoint, app.Entrypoint
	}

	entrypoint = base.Entrypoint
	if len(app.Entrypoint) > 0 {
		entrypoint = app.Entrypoint
	}

	cmd = base.Cmd
	if len(app.Cmd) > 0 {
		cmd = app.Cmd
	}
	return entrypoint, cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
