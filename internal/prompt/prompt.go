// Package prompt asks the user for permission grants and conflict
// resolutions.
package prompt

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/hpungsan/tabkeep/internal/access"
	"github.com/hpungsan/tabkeep/internal/conflict"
	"github.com/hpungsan/tabkeep/internal/errors"
)

// ConflictChooser picks a resolution for a conflict. path is only set for
// conflict.SaveAs.
type ConflictChooser interface {
	ChooseResolution(ctx context.Context, rec *conflict.Record) (choice conflict.Choice, path string, err error)
}

// Interactive prompts on a terminal.
type Interactive struct {
	in         io.Reader
	out        io.Writer
	accessible bool
}

// Option configures Interactive.
type Option func(*Interactive)

// WithIO sets the terminal streams.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(p *Interactive) {
		p.in = in
		p.out = out
	}
}

// WithAccessible switches to line-based prompts.
func WithAccessible(on bool) Option {
	return func(p *Interactive) { p.accessible = on }
}

// New creates an interactive prompter.
func New(opts ...Option) *Interactive {
	p := &Interactive{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Interactive) run(ctx context.Context, fields ...huh.Field) error {
	form := huh.NewForm(huh.NewGroup(fields...)).WithAccessible(p.accessible)
	if p.in != nil {
		form = form.WithInput(p.in)
	}
	if p.out != nil {
		form = form.WithOutput(p.out)
	}
	return form.RunWithContext(ctx)
}

// ConfirmAccess implements access.Prompter. Dismissing the prompt denies.
func (p *Interactive) ConfirmAccess(ctx context.Context, name string, mode access.Mode) (bool, error) {
	allow := false
	field := huh.NewConfirm().
		Title(fmt.Sprintf("Allow %s access to %s?", modeLabel(mode), name)).
		Affirmative("Allow").
		Negative("Deny").
		Value(&allow)
	if err := p.run(ctx, field); err != nil {
		if aborted(err) {
			return false, nil
		}
		return false, errors.NewInternal(err)
	}
	return allow, nil
}

// ChooseResolution implements ConflictChooser. Cancel is preselected and
// dismissing the prompt cancels.
func (p *Interactive) ChooseResolution(ctx context.Context, rec *conflict.Record) (conflict.Choice, string, error) {
	choice := conflict.Cancel
	field := huh.NewSelect[conflict.Choice]().
		Title(fmt.Sprintf("%s changed on disk", rec.ItemName)).
		Description("Your edits and the file on disk differ. Nothing is written until you choose.").
		Options(choiceOptions()...).
		Value(&choice)
	if err := p.run(ctx, field); err != nil {
		if aborted(err) {
			return conflict.Cancel, "", nil
		}
		return conflict.Cancel, "", errors.NewInternal(err)
	}
	if choice != conflict.SaveAs {
		return choice, "", nil
	}

	var path string
	input := huh.NewInput().
		Title("Save as").
		Placeholder(rec.ItemName).
		Value(&path).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return stderrors.New("a path is required")
			}
			return nil
		})
	if err := p.run(ctx, input); err != nil {
		if aborted(err) {
			return conflict.Cancel, "", nil
		}
		return conflict.Cancel, "", errors.NewInternal(err)
	}
	return conflict.SaveAs, strings.TrimSpace(path), nil
}

func choiceOptions() []huh.Option[conflict.Choice] {
	labels := map[conflict.Choice]string{
		conflict.Cancel:         "Cancel (keep editing)",
		conflict.SaveAs:         "Save as a new file",
		conflict.ReloadFromDisk: "Reload from disk (discard my edits)",
		conflict.Overwrite:      "Overwrite the file on disk",
	}
	opts := make([]huh.Option[conflict.Choice], 0, len(conflict.Choices))
	for _, c := range conflict.Choices {
		opts = append(opts, huh.NewOption(labels[c], c))
	}
	return opts
}

func modeLabel(mode access.Mode) string {
	if mode == access.ModeReadWrite {
		return "write"
	}
	return "read"
}

func aborted(err error) bool {
	return stderrors.Is(err, huh.ErrUserAborted) || stderrors.Is(err, context.Canceled)
}

// Auto answers every prompt without asking, for non-interactive runs.
type Auto struct {
	Allow  bool
	Choice conflict.Choice
	Path   string
}

// ConfirmAccess implements access.Prompter.
func (a Auto) ConfirmAccess(context.Context, string, access.Mode) (bool, error) {
	return a.Allow, nil
}

// ChooseResolution implements ConflictChooser.
func (a Auto) ChooseResolution(context.Context, *conflict.Record) (conflict.Choice, string, error) {
	if a.Choice == conflict.SaveAs && a.Path == "" {
		return conflict.Cancel, "", nil
	}
	return a.Choice, a.Path, nil
}
