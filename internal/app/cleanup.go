package app

import (
	"context"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"kiruna/internal/constants"
	"kiruna/internal/logger"
	"kiruna/internal/service"
	"kiruna/internal/version"
)

// daemonImageRepo matches images carrying the daemon itself; they get the
// same retention treatment as service images.
const daemonImageRepo = "kiruna"

// cleanup reaps owned containers that no current runner accounts for, then
// prunes old image tags per service.
func (a *Application) cleanup(ctx context.Context) {
	logger.Debug("Running global cleanup")
	a.cleanupContainers(ctx)
	a.cleanupImages(ctx)
}

// cleanupContainers removes every daemon-owned container whose ID is not
// among the current runners. Containers without the ownership postfix are
// never touched.
func (a *Application) cleanupContainers(ctx context.Context) {
	containers, err := a.eng.ListContainers(ctx)
	if err != nil {
		logger.WithError(err).Error("Container cleanup list failed")
		return
	}

	valid := make(map[string]bool)
	for _, svc := range a.services {
		for _, id := range svc.RunnerIDs() {
			valid[id] = true
		}
	}

	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		raw := c.Names[0]
		name := strings.TrimPrefix(raw, "/")

		if !service.IsOwned(name) || strings.Count(raw, "/") > 1 {
			continue
		}
		if valid[c.ID] {
			continue
		}

		logger.WithField("container", name).Info("Removing obsolete container")
		if err := a.StopAndRemoveContainer(ctx, c.ID); err != nil {
			logger.WithField("container", name).WithError(err).Warn("Failed to remove obsolete container")
		}
	}
}

// cleanupImages prunes each service's image tags down to the retention
// limit, oldest versions first. The image a service currently runs is never
// a removal candidate, whatever its version.
func (a *Application) cleanupImages(ctx context.Context) {
	images, err := a.eng.ListImages(ctx)
	if err != nil {
		logger.WithError(err).Error("Image cleanup list failed")
		return
	}

	type group struct {
		current string
		tags    []string
	}
	groups := make(map[string]*group)
	for _, svc := range a.services {
		groups[svc.Spec.Image] = &group{current: svc.Spec.ImageRef()}
	}
	groups[daemonImageRepo] = &group{current: daemonImageRepo + ":" + version.Version}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			repo, _, ok := strings.Cut(tag, ":")
			if !ok {
				continue
			}
			g, owned := groups[repo]
			if !owned {
				continue
			}
			if tag == g.current {
				continue
			}
			g.tags = append(g.tags, tag)
		}
	}

	// The current image plus ImagesToKeep-1 older tags survive.
	keep := constants.ImagesToKeep - 1
	for repo, g := range groups {
		if len(g.tags) <= keep {
			continue
		}
		sortBySemverAscending(g.tags)
		for _, tag := range g.tags[:len(g.tags)-keep] {
			logger.WithFields(logger.Fields{
				"image": tag,
				"repo":  repo,
			}).Info("Removing old image")
			if err := a.eng.RemoveImage(ctx, tag); err != nil {
				logger.WithField("image", tag).WithError(err).Warn("Failed to remove old image")
			}
		}
	}
}

// sortBySemverAscending orders image references oldest-version-first. Tags
// that do not parse as versions sort before everything else.
func sortBySemverAscending(tags []string) {
	sort.Slice(tags, func(i, j int) bool {
		vi, erri := semver.NewVersion(tagOf(tags[i]))
		vj, errj := semver.NewVersion(tagOf(tags[j]))
		switch {
		case erri != nil && errj != nil:
			return tags[i] < tags[j]
		case erri != nil:
			return true
		case errj != nil:
			return false
		default:
			return vi.LessThan(vj)
		}
	})
}

func tagOf(ref string) string {
	if _, tag, ok := strings.Cut(ref, ":"); ok {
		return tag
	}
	return ref
}
