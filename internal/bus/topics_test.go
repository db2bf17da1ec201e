package bus

import "testing"

func TestTopicNamesAreStable(t *testing.T) {
	// These names are consumed by external dashboards; renaming them is a
	// breaking change.
	want := map[string]string{
		TopicTaskCreated:        "task.created",
		TopicTaskClaimed:        "task.claimed",
		TopicTaskCompleted:      "task.completed",
		TopicTaskFailed:         "task.failed",
		TopicTaskRejected:       "task.rejected",
		TopicTaskCancelled:      "task.cancelled",
		TopicTaskRecovered:      "task.recovered",
		TopicAgentStatusChanged: "agent.status_changed",
		TopicAgentText:          "agent.text",
		TopicAgentResult:        "agent.result",
		TopicRouterDropped:      "router.dropped",
		TopicOverflow:           "eventbus.overflow",
		TopicStoreDegraded:      "store.degraded",
	}
	for got, expect := range want {
		if got != expect {
			t.Fatalf("topic constant %q != %q", got, expect)
		}
	}
}
