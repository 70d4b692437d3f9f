package automation

import (
	"testing"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

func specWithTrigger(tr types.TriggerSpec) types.AutomationSpec {
	return types.AutomationSpec{ID: "a1", Name: "test", Trigger: tr}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		name string
		trig types.TriggerSpec
		ev   types.AutomationEvent
		want bool
	}{
		{
			name: "type mismatch never matches",
			trig: types.TriggerSpec{Type: TriggerAfterEditFiles},
			ev:   types.AutomationEvent{Type: TriggerAfterRunCommand, Command: "ls"},
			want: false,
		},
		{
			name: "edit without glob matches any file",
			trig: types.TriggerSpec{Type: TriggerAfterEditFiles},
			ev:   types.AutomationEvent{Type: TriggerAfterEditFiles, FilePath: "anything/at/all.txt"},
			want: true,
		},
		{
			name: "bare glob matches basename in any directory",
			trig: types.TriggerSpec{Type: TriggerAfterEditFiles, Glob: "*.go"},
			ev:   types.AutomationEvent{Type: TriggerAfterEditFiles, FilePath: "src/deep/main.go"},
			want: true,
		},
		{
			name: "bare glob misses other extensions",
			trig: types.TriggerSpec{Type: TriggerAfterEditFiles, Glob: "*.ts"},
			ev:   types.AutomationEvent{Type: TriggerAfterEditFiles, FilePath: "main.go"},
			want: false,
		},
		{
			name: "path glob with doublestar",
			trig: types.TriggerSpec{Type: TriggerAfterEditFiles, Glob: "src/**/*.ts"},
			ev:   types.AutomationEvent{Type: TriggerAfterEditFiles, FilePath: "src/a/b/c.ts"},
			want: true,
		},
		{
			name: "path glob anchored to its root",
			trig: types.TriggerSpec{Type: TriggerAfterEditFiles, Glob: "src/**/*.ts"},
			ev:   types.AutomationEvent{Type: TriggerAfterEditFiles, FilePath: "lib/x.ts"},
			want: false,
		},
		{
			name: "read trigger uses glob too",
			trig: types.TriggerSpec{Type: TriggerAfterReadFiles, Glob: "*.env"},
			ev:   types.AutomationEvent{Type: TriggerAfterReadFiles, FilePath: "config/prod.env"},
			want: true,
		},
		{
			name: "command regex matches",
			trig: types.TriggerSpec{Type: TriggerAfterRunCommand, Regex: "^go test"},
			ev:   types.AutomationEvent{Type: TriggerAfterRunCommand, Command: "go test ./..."},
			want: true,
		},
		{
			name: "command regex misses",
			trig: types.TriggerSpec{Type: TriggerAfterRunCommand, Regex: "^npm"},
			ev:   types.AutomationEvent{Type: TriggerAfterRunCommand, Command: "go build"},
			want: false,
		},
		{
			name: "invalid regex never matches",
			trig: types.TriggerSpec{Type: TriggerAfterRunCommand, Regex: "(["},
			ev:   types.AutomationEvent{Type: TriggerAfterRunCommand, Command: "anything"},
			want: false,
		},
		{
			name: "command trigger without regex matches all",
			trig: types.TriggerSpec{Type: TriggerAfterRunCommand},
			ev:   types.AutomationEvent{Type: TriggerAfterRunCommand, Command: "rm -rf build"},
			want: true,
		},
		{
			name: "automation finishes requires matching id",
			trig: types.TriggerSpec{Type: TriggerAutomationFinishes, AutomationID: "up-1"},
			ev:   types.AutomationEvent{Type: TriggerAutomationFinishes, AutomationID: "up-1"},
			want: true,
		},
		{
			name: "automation finishes id mismatch",
			trig: types.TriggerSpec{Type: TriggerAutomationFinishes, AutomationID: "up-1"},
			ev:   types.AutomationEvent{Type: TriggerAutomationFinishes, AutomationID: "up-2"},
			want: false,
		},
		{
			name: "automation finishes with empty filter never matches",
			trig: types.TriggerSpec{Type: TriggerAutomationFinishes},
			ev:   types.AutomationEvent{Type: TriggerAutomationFinishes, AutomationID: ""},
			want: false,
		},
		{
			name: "agent ready matches unconditionally",
			trig: types.TriggerSpec{Type: TriggerAgentReady},
			ev:   types.AutomationEvent{Type: TriggerAgentReady},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(specWithTrigger(tc.trig), tc.ev); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}
