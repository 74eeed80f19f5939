package fsck

import (
	"fmt"

	"github.com/reiserfs-tools/reiserfs/pkg/rfs"
)

// Run dispatches a prepared Session to the pass sequence its Mode selects,
// per spec.md §7. ModeCheck runs only the salvage/classification pass and
// stops there rather than threading a dry-run flag through every mutating
// call site in passes 1-4: the rebuild passes allocate blocks and rewrite
// items as they go, so a non-destructive "what would be fixed" run has to
// be a genuinely separate, read-only pass rather than the same pipeline
// with writes suppressed partway through.
//
// ModeFixFixable, ModeRebuildTree and ModeRebuildSB all run the full
// pass0-pass4 pipeline; none of the passes reads s.Opts.Mode, so the three
// modes behave the same. ModeRollback is handled by the standalone Rollback function,
// not this pipeline.
func Run(s *Session) (ExitCode, error) {
	switch s.Opts.Mode {
	case ModeCleanAttributes:
		if s.Super.State&rfs.StateAttrsCleared == 0 {
			s.Super.State |= rfs.StateAttrsCleared
			s.flagFixable("clean-attributes: cleared legacy attribute compatibility flag")
		}
		s.UpdateSuperblockState()
		return s.ExitCode(), nil
	case ModeRollback:
		return ExitUser, fmt.Errorf("rfs/fsck: rollback mode must call Rollback directly, not Run")
	}

	resumeFrom := PassNone
	if s.Opts.PassesDumpPath != "" {
		if p, err := LoadState(s, s.Opts.PassesDumpPath); err == nil {
			resumeFrom = p
			s.Log.Infof("rfs/fsck: resuming from state dump after pass %d", p)
		}
		// A missing or unreadable dump just means "start from the beginning";
		// it is the expected state on a first run with -d set.
	}

	type step struct {
		after Pass
		run   func(*Session) error
	}
	steps := []step{
		{Pass0, RunPass0},
		{Pass1, RunPass1},
		{Pass2, RunPass2},
		{Pass3, RunPass3},
		{PassLostAndFound, RunLostAndFound},
		{Pass4, RunFinalize},
	}

	for _, st := range steps {
		if st.after <= resumeFrom {
			continue
		}
		if err := st.run(s); err != nil {
			return s.ExitCode(), err
		}
		if s.Opts.PassesDumpPath != "" {
			if err := SaveState(s, s.Opts.PassesDumpPath, st.after); err != nil {
				return s.ExitCode(), err
			}
		}
		if st.after == Pass0 && s.Opts.Mode == ModeCheck {
			s.UpdateSuperblockState()
			return s.ExitCode(), nil
		}
	}
	s.UpdateSuperblockState()
	return s.ExitCode(), nil
}
