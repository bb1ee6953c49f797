package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"linsight/internal/linsight/errcode"
	"linsight/internal/linsight/tools"
	"linsight/internal/llm"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage/memstore"
)

const reportPlan = "```json\n" + `{"steps":[{"description":"Analyze the report","substeps":[
  {"description":"Read report.md","tools":["read_file","web_search"]},
  {"description":"List three risks","output":true}]}]}` + "\n```"

func TestExecute_HappyPath(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{
		plan: func(string) reply { return text(reportPlan) },
		step: func(desc string, msgs []llms.MessageContent, withTools bool) reply {
			switch desc {
			case "Read report.md":
				if res, ok := lastToolResult(msgs); ok {
					return text("Summary: " + res)
				}
				require.True(t, withTools)
				return toolCall("call-1", tools.ReadFileToolID, `{"file_id":"f1"}`)
			case "List three risks":
				// 前序兄弟的答案以摘要形式注入
				assert.Contains(t, textOf(msgs[0]), "Summary: revenue fell 20%")
				return text("1. Revenue\n2. Churn\n3. Cost")
			}
			return text("ok")
		},
	}
	f := newFixture(t, fm)
	file := f.reportFile(t, "revenue fell 20%")
	f.createVersion(t, &model.SessionVersion{
		Question: "Summarize attached report.md and list three risks",
		Title:    "Report",
		SOP:      "1. Read the report.\n2. List risks.",
		Tools:    []model.ToolBinding{{ToolID: tools.ReadFileToolID}},
		Files:    []model.ParsedFile{file},
		Status:   model.VersionStatusQueued,
	})

	require.NoError(t, f.agent.Execute(ctx, "v1"))

	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusCompleted, v.Status)

	tasks := f.tasks(t, "v1")
	tree, err := model.BuildTaskTree(tasks)
	require.NoError(t, err)
	roots := tree.Children("")
	require.Len(t, roots, 1)
	children := tree.Children(roots[0].ID)
	require.Len(t, children, 2)
	for _, task := range tasks {
		assert.Equal(t, model.TaskStatusSucceeded, task.Status, task.Description)
	}
	// 计划中的未绑定工具被过滤
	assert.Equal(t, []string{tools.ReadFileToolID}, children[0].AssignedTools)
	assert.Equal(t, 30, children[0].Result.Usage.TotalTokens)

	require.NotNil(t, v.OutputResult)
	require.Len(t, v.OutputResult.FinalFiles, 1)
	art := v.OutputResult.FinalFiles[0]
	assert.Equal(t, "v1/"+children[1].ID+".md", art.ObjectKey)
	assert.Equal(t, "1. Revenue\n2. Churn\n3. Cost", v.OutputResult.Answer)
	assert.Contains(t, f.objects.Keys(), art.ObjectKey)

	evs := f.events(t, "v1")
	assert.Equal(t, model.EventFinalResult, evs[len(evs)-1].EventType)
	assert.Equal(t, 1, countEvents(evs, model.EventToolCall))
	assert.Equal(t, 1, countEvents(evs, model.EventToolResult))
	assert.Equal(t, 2, countEvents(evs, model.EventStepStart))
	assert.Equal(t, 3, countEvents(evs, model.EventStepComplete))
	assert.Zero(t, countEvents(evs, model.EventError))

	// 流式片段拼接等于最终答案
	var streamed strings.Builder
	for _, e := range evs {
		if e.EventType == model.EventStepToken && e.TaskID() == children[1].ID {
			streamed.WriteString(e.Data["content"].(string))
		}
	}
	assert.Equal(t, "1. Revenue\n2. Churn\n3. Cost", streamed.String())

	rec, err := f.sops.GetByVersion(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "v1", rec.LinsightVersionID)
	assert.Equal(t, v.SOP, rec.Content)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ToolCalls.WithLabelValues(tools.ReadFileToolID, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.VersionsTotal.WithLabelValues(string(model.VersionStatusCompleted))))
}

func TestExecute_UserInputMidRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fm := &fakeModel{
		plan: func(string) reply {
			return text(`{"steps":[{"description":"Confirm budget","tools":["user_input_required"],"output":true}]}`)
		},
		step: func(_ string, msgs []llms.MessageContent, _ bool) reply {
			if res, ok := lastToolResult(msgs); ok {
				return text("Budget confirmed: " + res)
			}
			return toolCall("call-1", tools.UserInputToolID, `{"prompt":"confirm budget?"}`)
		},
	}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{
		Question: "Plan the offsite",
		SOP:      "1. Ask the user to confirm the budget.",
		Status:   model.VersionStatusQueued,
	})

	f.bus.setHook(func(vid string, m model.MessageData) {
		if m.EventType != model.EventUserInputRequired {
			return
		}
		assert.Equal(t, "confirm budget?", m.Data["prompt"])
		task, err := f.store.GetExecuteTask(ctx, m.TaskID())
		assert.NoError(t, err)
		assert.Equal(t, model.TaskStatusAwaitingUserInput, task.Status)
		go func() {
			assert.NoError(t, f.raw.SetUserInput(ctx, vid, m.TaskID(), eventbus.UserInput{
				Text:  "$5k",
				Files: []model.ParsedFile{{FileID: "f9", OriginalName: "quote.pdf", ParsingStatus: model.ParsingStatusCompleted}},
			}))
		}()
	})

	require.NoError(t, f.agent.Execute(ctx, "v1"))

	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusCompleted, v.Status)
	assert.Contains(t, v.OutputResult.Answer, "$5k")
	// 用户上传的附件追加到版本
	require.Len(t, v.Files, 1)
	assert.Equal(t, "f9", v.Files[0].FileID)

	evs := f.events(t, "v1")
	ask := indexOf(evs, model.EventUserInputRequired)
	require.GreaterOrEqual(t, ask, 0)
	tokenAfter := false
	for _, e := range evs[ask+1:] {
		if e.EventType == model.EventStepToken {
			tokenAfter = true
		}
	}
	assert.True(t, tokenAfter, "Step-Token should follow the user reply")
}

func TestExecute_TerminateBetweenSteps(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{
		plan: func(string) reply {
			return text(`{"steps":[{"description":"step one"},{"description":"step two"},{"description":"step three"}]}`)
		},
	}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "three steps", SOP: "1. a\n2. b\n3. c", Status: model.VersionStatusQueued})

	// 第一步完成后用户终止
	var once bool
	f.bus.setHook(func(vid string, m model.MessageData) {
		if m.EventType != model.EventStepComplete || once {
			return
		}
		once = true
		require.NoError(t, f.store.UpdateVersionStatus(ctx, vid, model.VersionStatusTerminated,
			model.VersionStatusQueued, model.VersionStatusInProgress))
		v, _ := f.store.GetSessionVersion(ctx, vid)
		require.NoError(t, f.raw.SetVersionInfo(ctx, v))
		_, err := f.raw.Publish(ctx, vid, model.NewMessage(model.EventTaskTerminated, nil))
		require.NoError(t, err)
	})

	require.NoError(t, f.agent.Execute(ctx, "v1"))

	assert.Equal(t, model.VersionStatusTerminated, f.version(t, "v1").Status)
	assert.Equal(t, []string{"step one"}, fm.stepCalls())

	evs := f.events(t, "v1")
	assert.Equal(t, 1, countEvents(evs, model.EventStepStart))
	assert.Equal(t, 1, countEvents(evs, model.EventTaskTerminated))
	assert.Zero(t, countEvents(evs, model.EventError))
	assert.Zero(t, countEvents(evs, model.EventFinalResult))

	tasks := f.tasks(t, "v1")
	require.Len(t, tasks, 3)
	assert.Equal(t, model.TaskStatusSucceeded, tasks[0].Status)
	assert.Equal(t, model.TaskStatusPending, tasks[1].Status)
	assert.Equal(t, model.TaskStatusPending, tasks[2].Status)
}

func TestExecute_TerminateWhileAwaitingInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fm := &fakeModel{
		plan: func(string) reply { return text(`{"steps":[{"description":"ask"},{"description":"after"}]}`) },
		step: func(desc string, msgs []llms.MessageContent, _ bool) reply {
			if _, ok := lastToolResult(msgs); ok {
				return text("should not happen")
			}
			return toolCall("c1", tools.UserInputToolID, `{"prompt":"go on?"}`)
		},
	}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. ask", Status: model.VersionStatusQueued})

	f.bus.setHook(func(vid string, m model.MessageData) {
		if m.EventType != model.EventUserInputRequired {
			return
		}
		go func() {
			_ = f.store.UpdateVersionStatus(ctx, vid, model.VersionStatusTerminated, model.VersionStatusInProgress)
			v, _ := f.store.GetSessionVersion(ctx, vid)
			_ = f.raw.SetVersionInfo(ctx, v)
		}()
	})

	require.NoError(t, f.agent.Execute(ctx, "v1"))
	assert.Equal(t, model.VersionStatusTerminated, f.version(t, "v1").Status)
	assert.Len(t, fm.stepCalls(), 1)
	evs := f.events(t, "v1")
	assert.Zero(t, countEvents(evs, model.EventToolResult))
	assert.Zero(t, countEvents(evs, model.EventError))
}

func TestExecute_ToolInitFailure(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{
		Question: "q",
		SOP:      "1. a",
		Tools:    []model.ToolBinding{{ToolID: "not-registered"}},
		Status:   model.VersionStatusQueued,
	})

	err := f.agent.Execute(ctx, "v1")
	require.ErrorIs(t, err, tools.ErrToolInit)

	assert.Equal(t, model.VersionStatusFailed, f.version(t, "v1").Status)
	assert.Empty(t, f.tasks(t, "v1"))
	assert.Empty(t, fm.promptsWith("Convert the SOP"))

	evs := f.events(t, "v1")
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventError, evs[0].EventType)
	assert.Equal(t, errcode.CodeToolInit, evs[0].Data["code"])
}

func TestExecute_ReplanAfterStepFailure(t *testing.T) {
	ctx := context.Background()
	planned := 0
	fm := &fakeModel{
		plan: func(prompt string) reply {
			planned++
			if planned == 1 {
				return text(`{"steps":[{"description":"fetch data"},{"description":"flaky step"},{"description":"never reached"}]}`)
			}
			// 重规划时带上已完成的步骤
			assert.Contains(t, prompt, "fetch data")
			return text(`{"steps":[{"description":"fallback step","output":true}]}`)
		},
		revise: func(prompt string) reply {
			assert.Contains(t, prompt, "flaky step")
			return text("1. Use the fallback.")
		},
		step: func(desc string, _ []llms.MessageContent, _ bool) reply {
			if desc == "flaky step" {
				return reply{err: &llm.ProviderError{Kind: llm.ProviderErrNetwork, Model: "m", Err: errors.New("connection reset")}}
			}
			return text("done: " + desc)
		},
	}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. fetch\n2. flaky", Status: model.VersionStatusQueued})

	require.NoError(t, f.agent.Execute(ctx, "v1"))

	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusCompleted, v.Status)
	assert.Equal(t, "1. Use the fallback.", v.SOP)
	assert.Equal(t, "done: fallback step", v.OutputResult.Answer)

	byDesc := map[string]*model.ExecuteTask{}
	for _, task := range f.tasks(t, "v1") {
		byDesc[task.Description] = task
		assert.Contains(t, []model.TaskStatus{model.TaskStatusSucceeded, model.TaskStatusSkipped}, task.Status)
	}
	assert.Equal(t, model.TaskStatusSucceeded, byDesc["fetch data"].Status)
	assert.Equal(t, model.TaskStatusSkipped, byDesc["flaky step"].Status)
	assert.Contains(t, byDesc["flaky step"].Error, "connection reset")
	assert.Equal(t, model.TaskStatusSkipped, byDesc["never reached"].Status)
	assert.Equal(t, model.TaskStatusSucceeded, byDesc["fallback step"].Status)

	tree, err := model.BuildTaskTree(f.tasks(t, "v1"))
	require.NoError(t, err)
	roots := tree.Children("")
	require.Len(t, roots, 4)
	assert.Equal(t, "fallback step", roots[3].Description)

	evs := f.events(t, "v1")
	assert.Zero(t, countEvents(evs, model.EventError))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Replans))
}

func TestExecute_ReplanExhausted(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{
		step: func(string, []llms.MessageContent, bool) reply {
			return reply{err: errors.New("boom")}
		},
	}
	f := newFixture(t, fm, func(c *Config) { c.ReplanAttempts = 0 })
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. a", Status: model.VersionStatusQueued})

	err := f.agent.Execute(ctx, "v1")
	var se *StepError
	require.ErrorAs(t, err, &se)

	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusFailed, v.Status)
	assert.Equal(t, "boom", v.ErrorMessage)

	evs := f.events(t, "v1")
	last := evs[len(evs)-1]
	assert.Equal(t, model.EventError, last.EventType)
	assert.Equal(t, errcode.CodeStepFailed, last.Data["code"])
	assert.Equal(t, 1, countEvents(evs, model.EventError))
	assert.Equal(t, model.TaskStatusFailed, f.tasks(t, "v1")[0].Status)
}

func TestExecute_EmptyPlan(t *testing.T) {
	fm := &fakeModel{plan: func(string) reply { return text(`{"steps":[]}`) }}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. nothing", Status: model.VersionStatusQueued})

	require.NoError(t, f.agent.Execute(context.Background(), "v1"))

	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusCompleted, v.Status)
	assert.Empty(t, v.OutputResult.FinalFiles)
	assert.Empty(t, fm.stepCalls())
}

func TestExecute_EmptySOPFails(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	f.createVersion(t, &model.SessionVersion{Question: "q", Status: model.VersionStatusQueued})

	err := f.agent.Execute(context.Background(), "v1")
	require.ErrorIs(t, err, errcode.ErrEmptySOP)
	assert.Equal(t, model.VersionStatusFailed, f.version(t, "v1").Status)
	evs := f.events(t, "v1")
	require.NotEmpty(t, evs)
	assert.Equal(t, errcode.CodeEmptySOP, evs[len(evs)-1].Data["code"])
}

func TestExecute_FallbackOutput(t *testing.T) {
	fm := &fakeModel{plan: func(string) reply {
		return text(`{"steps":[{"description":"first"},{"description":"last"}]}`)
	}}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. a", Status: model.VersionStatusQueued})

	require.NoError(t, f.agent.Execute(context.Background(), "v1"))

	v := f.version(t, "v1")
	require.Len(t, v.OutputResult.FinalFiles, 1)
	assert.Equal(t, "done: last", v.OutputResult.Answer)
	assert.Len(t, v.OutputResult.AllFromSessionFiles, 1)
}

func TestExecute_SkipsNonQueued(t *testing.T) {
	fm := &fakeModel{}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. a", Status: model.VersionStatusTerminated})

	require.NoError(t, f.agent.Execute(context.Background(), "v1"))
	assert.Equal(t, model.VersionStatusTerminated, f.version(t, "v1").Status)
	assert.Empty(t, f.events(t, "v1"))
	assert.Empty(t, fm.promptsWith(""))
}

func TestExecute_ToolErrorFedBackToModel(t *testing.T) {
	fm := &fakeModel{
		plan: func(string) reply {
			return text(`{"steps":[{"description":"read missing","tools":["read_file"]}]}`)
		},
		step: func(_ string, msgs []llms.MessageContent, _ bool) reply {
			if res, ok := lastToolResult(msgs); ok {
				return text("recovered from: " + res)
			}
			return toolCall("c1", tools.ReadFileToolID, `{"file_id":"nope"}`)
		},
	}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{
		Question: "q",
		SOP:      "1. read",
		Tools:    []model.ToolBinding{{ToolID: tools.ReadFileToolID}},
		Status:   model.VersionStatusQueued,
	})

	require.NoError(t, f.agent.Execute(context.Background(), "v1"))
	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusCompleted, v.Status)
	assert.Contains(t, v.OutputResult.Answer, "recovered from: Error:")

	for _, e := range f.events(t, "v1") {
		if e.EventType == model.EventToolResult {
			assert.Equal(t, "error", e.Data["status"])
		}
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ToolCalls.WithLabelValues(tools.ReadFileToolID, "error")))
}

func TestExecute_IterationCap(t *testing.T) {
	calls := 0
	fm := &fakeModel{
		plan: func(string) reply { return text(`{"steps":[{"description":"loop","tools":["list_files"]}]}`) },
		step: func(_ string, _ []llms.MessageContent, withTools bool) reply {
			calls++
			if !withTools {
				return text("gave up looping")
			}
			return toolCall("c", tools.ListFilesToolID, `{}`)
		},
	}
	f := newFixture(t, fm, func(c *Config) { c.MaxToolIterations = 3 })
	f.createVersion(t, &model.SessionVersion{
		Question: "q",
		SOP:      "1. loop",
		Tools:    []model.ToolBinding{{ToolID: tools.ListFilesToolID}},
		Status:   model.VersionStatusQueued,
	})

	require.NoError(t, f.agent.Execute(context.Background(), "v1"))
	// 3 次带工具调用 + 1 次收尾
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, countEvents(f.events(t, "v1"), model.EventToolCall))
	assert.Equal(t, "gave up looping", f.version(t, "v1").OutputResult.Answer)
}

// terminateOnOutput 写入最终输出前模拟用户并发终止
type terminateOnOutput struct {
	*memstore.Store
	fired atomic.Bool
}

func (s *terminateOnOutput) UpdateSessionVersion(ctx context.Context, v *model.SessionVersion) error {
	if v.OutputResult != nil && s.fired.CompareAndSwap(false, true) {
		if err := s.Store.UpdateVersionStatus(ctx, v.ID, model.VersionStatusTerminated, model.VersionStatusInProgress); err != nil {
			return err
		}
	}
	return s.Store.UpdateSessionVersion(ctx, v)
}

func TestExecute_TerminateDuringFinalize(t *testing.T) {
	fm := &fakeModel{}
	f := newFixture(t, fm)
	st := &terminateOnOutput{Store: f.store}
	f.agent.store = st
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. a", Status: model.VersionStatusQueued})

	require.NoError(t, f.agent.Execute(context.Background(), "v1"))
	require.True(t, st.fired.Load())

	// 终止后的版本不再被写回为执行中或完成
	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusTerminated, v.Status)
	assert.Nil(t, v.OutputResult)
	evs := f.events(t, "v1")
	assert.Zero(t, countEvents(evs, model.EventFinalResult))
	assert.Zero(t, countEvents(evs, model.EventError))
}

func TestExecute_PanicMarksFailed(t *testing.T) {
	fm := &fakeModel{
		step: func(string, []llms.MessageContent, bool) reply { panic("assignment to entry in nil map") },
	}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "q", SOP: "1. a", Status: model.VersionStatusQueued})

	err := f.agent.Execute(context.Background(), "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic during execution")

	v := f.version(t, "v1")
	assert.Equal(t, model.VersionStatusFailed, v.Status)
	assert.Equal(t, "internal error", v.ErrorMessage)

	evs := f.events(t, "v1")
	require.Equal(t, 1, countEvents(evs, model.EventError))
	last := evs[len(evs)-1]
	assert.Equal(t, model.EventError, last.EventType)
	assert.Equal(t, errcode.CodeInternal, last.Data["code"])
}
