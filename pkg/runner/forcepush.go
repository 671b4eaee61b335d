/*
Copyright 2024 The Hub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/sirupsen/logrus"

	"github.com/mergehub/hub/pkg/git/dirpool"
	"github.com/mergehub/hub/pkg/githost"
)

// ForcePushRequest is one force-push analysis job: decide whether the
// rebase changed the PR's effective diff and restore a dismissed
// approval when it did not.
type ForcePushRequest struct {
	Repo   githost.Repo
	PR     githost.PullRequest
	Before string
	After  string
}

// ForcePusher runs force-push jobs.
type ForcePusher struct {
	log      logrus.FieldLogger
	pool     *dirpool.Pool
	newShell newShellFunc
}

func NewForcePusher(log logrus.FieldLogger, pool *dirpool.Pool) *ForcePusher {
	return &ForcePusher{
		log:      log.WithField("runner", "forcepush"),
		pool:     pool,
		newShell: defaultNewShell,
	}
}

// Run analyzes one force push. On failure the comment is simply not
// posted.
func (f *ForcePusher) Run(ctx context.Context, host Host, req ForcePushRequest) {
	log := f.log.WithFields(logrus.Fields{
		"repo": req.Repo.FullName,
		"pr":   req.PR.Number,
	})
	if err := f.run(ctx, log, host, req); err != nil {
		log.WithError(err).Error("force-push analysis failed")
	}
}

func (f *ForcePusher) run(ctx context.Context, log logrus.FieldLogger, host Host, req ForcePushRequest) error {
	owner, repo := req.Repo.Owner.GetLogin(), req.Repo.Name

	lease, err := f.pool.Acquire(host.Host(), owner, repo)
	if err != nil {
		return fmt.Errorf("acquiring working dir: %w", err)
	}
	defer lease.Release()

	shell, err := f.newShell(log, lease.Dir())
	if err != nil {
		return err
	}
	token, err := host.Token(ctx, owner, repo)
	if err != nil {
		return fmt.Errorf("fetching token: %w", err)
	}
	if err := shell.Refresh(ctx, githost.CloneURL(host.Host(), owner, repo, token)); err != nil {
		return err
	}

	// pin the pre-push objects under a temporary branch so they survive
	// the rewrite and can be fetched
	tempBranch := fmt.Sprintf("hub-%s-%s", tail(req.PR.Head.Ref), githost.ShortSHA(req.Before))
	if err := host.CreateBranch(ctx, owner, repo, tempBranch, req.Before); err != nil {
		return fmt.Errorf("pinning %s: %w", req.Before, err)
	}
	fetchErr := shell.Fetch(ctx)
	if err := host.DeleteBranch(ctx, owner, repo, tempBranch); err != nil {
		log.WithError(err).Warnf("could not delete temporary branch %s", tempBranch)
	}
	if fetchErr != nil {
		return fetchErr
	}

	base := "origin/" + req.PR.Base.Ref
	beforeDiff, err := f.diffAgainstBase(ctx, shell, base, req.Before)
	if err != nil {
		return err
	}
	afterDiff, err := f.diffAgainstBase(ctx, shell, base, req.After)
	if err != nil {
		return err
	}

	identical, changedFiles := DiffsEqual(beforeDiff, afterDiff)

	header := fmt.Sprintf("Force-push detected: before: %s, after: %s: ",
		githost.ShortSHA(req.Before), githost.ShortSHA(req.After))

	if identical {
		if f.reapprove(ctx, log, host, req, header) {
			return nil
		}
		return host.CommentPullRequest(ctx, owner, repo, req.PR.Number, header+"Identical diff post-rebase.")
	}

	comment := header + "Diff changed post-rebase."
	if len(changedFiles) > 0 {
		comment += "\n\nChanged files:\n- " + strings.Join(changedFiles, "\n- ")
	}
	return host.CommentPullRequest(ctx, owner, repo, req.PR.Number, comment)
}

func (f *ForcePusher) diffAgainstBase(ctx context.Context, shell gitShell, base, ref string) (string, error) {
	forkPoint, err := shell.ForkPoint(ctx, base, ref)
	if err != nil {
		return "", err
	}
	return shell.Diff(ctx, forkPoint, ref)
}

// reapprove restores an approval the force push dismissed: the timeline
// must show a dismissal caused by the after commit of a review that
// approved the before commit. Returns true when the PR was re-approved.
func (f *ForcePusher) reapprove(ctx context.Context, log logrus.FieldLogger, host Host, req ForcePushRequest, header string) bool {
	owner, repo := req.Repo.Owner.GetLogin(), req.Repo.Name

	timeline, err := host.GetTimeline(ctx, owner, repo, req.PR.Number)
	if err != nil {
		log.WithError(err).Error("could not fetch timeline, skipping reapproval")
		return false
	}

	for i := range timeline {
		dismissal := &timeline[i]
		if !dismissal.IsReviewDismissalFor(req.After) {
			continue
		}
		reviewID := dismissal.DismissedReview.ReviewID

		for j := range timeline {
			review := &timeline[j]
			if !review.IsReviewFor(reviewID, req.Before) {
				continue
			}

			body := header + "Identical diff post-rebase.\n\n" +
				"Reapproved based on review by " + review.ReviewUserMessage(reviewID)
			if err := host.ApprovePullRequest(ctx, owner, repo, req.PR.Number, req.After, body); err != nil {
				log.WithError(err).Error("could not reapprove")
				return false
			}
			log.Infof("reapproved PR #%d after identical force-push", req.PR.Number)
			return true
		}
	}
	return false
}

// DiffsEqual compares two patches as parsed patch sets: equal iff they
// touch the same files with the same hunk lines, ignoring line-number
// metadata. Returns the files whose hunks differ. Falls back to raw
// string comparison if either patch fails to parse.
func DiffsEqual(a, b string) (bool, []string) {
	filesA, okA := parsePatchSet(a)
	filesB, okB := parsePatchSet(b)
	if !okA || !okB {
		return a == b, nil
	}

	changed := map[string]bool{}
	for name, hunks := range filesA {
		if filesB[name] != hunks {
			changed[name] = true
		}
	}
	for name, hunks := range filesB {
		if filesA[name] != hunks {
			changed[name] = true
		}
	}

	if len(changed) == 0 {
		return true, nil
	}
	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)
	return false, names
}

// parsePatchSet reduces a patch to file name → hunk content, dropping
// fragment positions.
func parsePatchSet(patch string) (map[string]string, bool) {
	files, _, err := gitdiff.Parse(strings.NewReader(patch))
	if err != nil {
		return nil, false
	}

	out := map[string]string{}
	for _, f := range files {
		name := f.NewName
		if name == "" {
			name = f.OldName
		}

		var sb strings.Builder
		for _, frag := range f.TextFragments {
			for _, line := range frag.Lines {
				sb.WriteString(line.Op.String())
				sb.WriteString(line.Line)
			}
		}
		out[name] = sb.String()
	}
	return out, true
}
