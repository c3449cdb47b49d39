package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// CommitOutcome 提交结果标签
type CommitOutcome int

const (
	// Committed 提交成功并回到特权模式
	Committed CommitOutcome = iota
	// Reverted 提交失败，已放弃变更并回到特权模式
	Reverted
	// RevertFailed 提交失败且无法回到特权模式，会话已废弃
	RevertFailed
	// ConnectionLost 提交过程中连接中断，设备状态未知
	ConnectionLost
)

func (o CommitOutcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Reverted:
		return "reverted"
	case RevertFailed:
		return "revert_failed"
	case ConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// CommitResult 提交结果
type CommitResult struct {
	Outcome    CommitOutcome `json:"outcome"`
	Output     string        `json:"output"`
	Diagnostic string        `json:"diagnostic,omitempty"`
}

// Commit 在配置模式下提交变更
//
// commitPatterns 为 nil 时使用设备类型的提交错误正则。提交或退出失败时先读取失败原因，
// 再放弃变更；返回的 *CommitFailedError 与 CommitResult 携带相同的 Outcome。
func (s *Session) Commit(ctx context.Context, commitPatterns ErrorPatterns) (*CommitResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	if mode := s.Mode(); mode != Configuration {
		return nil, &ModeTransitionError{Device: s.id, Command: s.profile.CommitCommand, From: mode, To: CommittingConfiguration, Prompt: s.Prompt(), Err: ErrInvalidTransition}
	}
	if err := s.transition(CommittingConfiguration); err != nil {
		return nil, err
	}

	if commitPatterns == nil {
		commitPatterns = s.profile.CommitErrorPatterns
	}

	result := &CommitResult{}
	var cerr error
	if s.profile.CommitCommand != "" {
		out, err := s.execute(ctx, Command{Text: s.profile.CommitCommand, Kind: Write, ErrorPatterns: commitPatterns})
		if out != nil {
			result.Output = out.Text
		}
		cerr = err
	}
	if cerr == nil {
		if !s.profile.ImplicitConfig {
			exit := Command{Text: s.profile.ConfigExitCommand, Kind: Write}
			_, cerr = s.executeAndSwitchPrompt(ctx, exit, s.profile.PrivilegedPrompt, Privileged)
		}
		if cerr == nil {
			if err := s.transition(Privileged); err != nil {
				return nil, err
			}
			result.Outcome = Committed
			s.log.Info("configuration committed")
			return result, nil
		}
	}

	if IsTransportError(cerr) && s.Mode() == Unauthenticated {
		result.Outcome = ConnectionLost
		return result, &CommitFailedError{Device: s.id, Outcome: ConnectionLost, Err: cerr}
	}

	s.log.Warnf("commit failed: %v", cerr)
	result.Diagnostic = s.diagnose(ctx)
	if result.Diagnostic == "" {
		result.Diagnostic = failureReason(cerr)
	}

	if aerr := s.abort(ctx); aerr != nil {
		result.Outcome = RevertFailed
		return result, &CommitFailedError{Device: s.id, Outcome: RevertFailed, Diagnostic: result.Diagnostic, Err: multierr.Combine(cerr, aerr)}
	}
	result.Outcome = Reverted
	return result, &CommitFailedError{Device: s.id, Outcome: Reverted, Diagnostic: result.Diagnostic, Err: cerr}
}

// Abort 放弃未提交的配置并回到特权模式；不随 ctx 取消而中断，失败时会话被废弃
func (s *Session) Abort(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	return s.abort(ctx)
}

func (s *Session) abort(ctx context.Context) error {
	ctx, cancel := s.recoveryContext(ctx)
	defer cancel()
	mode := s.Mode()
	if mode == Privileged {
		return nil
	}
	if mode != Configuration && mode != CommittingConfiguration {
		return &ModeTransitionError{Device: s.id, From: mode, To: Privileged, Prompt: s.Prompt(), Err: ErrInvalidTransition}
	}

	if s.profile.ImplicitConfig {
		s.log.Warn("device applies configuration immediately, nothing to abort")
		return s.transition(Privileged)
	}

	cmds := s.profile.AbortCommands
	var err error
	for i, c := range cmds {
		cmd := Command{Text: c, Kind: Write, ErrorPatterns: NoErrorPatterns}
		if i < len(cmds)-1 {
			if _, err = s.execute(ctx, cmd); err != nil {
				break
			}
			continue
		}
		_, err = s.executeAndSwitchPrompt(ctx, cmd, s.profile.PrivilegedPrompt, Privileged)
	}
	if err == nil {
		err = s.transition(Privileged)
	}
	if err != nil {
		s.discard(err)
		return fmt.Errorf("abort: %w: %w", ErrSessionDiscarded, err)
	}
	s.log.Info("configuration aborted")
	return nil
}

// diagnose 尽力读取提交失败原因，读取失败不影响回滚
func (s *Session) diagnose(ctx context.Context) string {
	if s.profile.CommitDiagnosticCommand == "" {
		return ""
	}
	ctx, cancel := s.recoveryContext(ctx)
	defer cancel()
	cmd := Command{Text: s.profile.CommitDiagnosticCommand, Kind: Show, ErrorPatterns: NoErrorPatterns, Timeout: s.profile.Timeouts.Write}
	out, err := s.execute(ctx, cmd)
	if err != nil {
		s.log.Debugf("commit diagnostic unavailable: %v", err)
		return ""
	}
	return out.Text
}

// recoveryContext 诊断与回滚不继承调用方的取消与截止时间，只受自身上限约束
func (s *Session) recoveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 2*s.profile.Timeouts.Write)
}

func failureReason(err error) string {
	var ce *CommandExecutionError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
