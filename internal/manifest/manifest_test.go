package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/falcon-eye/falcon-eye/internal/db"
)

func testConfig() Config {
	return Config{
		Namespace:       "falcon-eye",
		APIURL:          "http://svc-api.falcon-eye.svc.cluster.local",
		CaptureImage:    "falcon-eye/capture:latest",
		NetworkImage:    "falcon-eye/relay:latest",
		RecorderImage:   "falcon-eye/recorder:latest",
		AgentImage:      "falcon-eye/agent:latest",
		CronRunnerImage: "falcon-eye/cron-runner:latest",
		JetsonNodes:     map[string]bool{"jetson-1": true},
	}
}

func envMap(vars []corev1.EnvVar) map[string]string {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Name] = v.Value
	}
	return out
}

func TestRenderCamera_USB(t *testing.T) {
	cam := &db.Camera{
		ID: "c1", Name: "Office", Protocol: "usb", DevicePath: "/dev/video0",
		NodeName: "k3s-1", Resolution: "640x480", Framerate: 15,
	}
	spec, err := RenderCamera(cam, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "cam-office", spec.Deployment.Name)
	assert.Equal(t, "svc-office", spec.Service.Name)
	assert.Len(t, spec.Service.Spec.Ports, 2)
	assert.True(t, *spec.Deployment.Spec.Template.Spec.Containers[0].SecurityContext.Privileged)
	assert.Equal(t, "k3s-1", spec.Deployment.Spec.Template.Spec.NodeSelector["kubernetes.io/hostname"])
}

func TestRenderCamera_JetsonToleration(t *testing.T) {
	cam := &db.Camera{ID: "c1", Name: "Garage", Protocol: "usb", DevicePath: "/dev/video0", NodeName: "jetson-1", Resolution: "640x480", Framerate: 15}
	spec, err := RenderCamera(cam, testConfig())
	require.NoError(t, err)
	tolerations := spec.Deployment.Spec.Template.Spec.Tolerations
	require.Len(t, tolerations, 1)
	assert.Equal(t, "dedicated", tolerations[0].Key)
	assert.Equal(t, "jetson", tolerations[0].Value)
}

func TestRenderCamera_RTSPHasNoControlPort(t *testing.T) {
	cam := &db.Camera{ID: "c2", Name: "Driveway", Protocol: "rtsp", SourceURL: "rtsp://10.0.0.9:554/stream", Resolution: "1280x720", Framerate: 30}
	spec, err := RenderCamera(cam, testConfig())
	require.NoError(t, err)
	assert.Len(t, spec.Service.Spec.Ports, 1)
	assert.Equal(t, "rtsp-relay", spec.Deployment.Spec.Template.Spec.Containers[0].Name)
}

func TestRenderCamera_UnknownProtocol(t *testing.T) {
	cam := &db.Camera{ID: "c3", Name: "Bad", Protocol: "carrier-pigeon"}
	spec, err := RenderCamera(cam, testConfig())
	assert.NoError(t, err)
	assert.NotNil(t, spec)
}

func TestRenderRecorder_USBStreamURL(t *testing.T) {
	cam := &db.Camera{ID: "c1", Name: "Office", Protocol: "usb", NodeName: "k3s-1"}
	dep := RenderRecorder(cam, testConfig())
	env := envMap(dep.Spec.Template.Spec.Containers[0].Env)
	assert.Equal(t, "http://svc-office.falcon-eye.svc.cluster.local:8081/", env["STREAM_URL"])
}

func TestRenderRecorder_RTSPStreamURLIsSource(t *testing.T) {
	cam := &db.Camera{ID: "c2", Name: "Driveway", Protocol: "rtsp", SourceURL: "rtsp://10.0.0.9:554/stream"}
	dep := RenderRecorder(cam, testConfig())
	env := envMap(dep.Spec.Template.Spec.Containers[0].Env)
	assert.Equal(t, "rtsp://10.0.0.9:554/stream", env["STREAM_URL"])
}

func TestRenderAgent(t *testing.T) {
	a := &db.Agent{ID: "a1", Name: "Dispatcher", Slug: "dispatcher", ChannelType: "telegram"}
	spec := RenderAgent(a, testConfig())
	assert.Equal(t, "agent-dispatcher", spec.Deployment.Name)
	assert.Equal(t, "svc-agent-dispatcher", spec.Service.Name)
}

func TestRenderCronRunnerJob(t *testing.T) {
	cj := &db.CronJob{ID: "cron-uuid-1234", Prompt: "summarize the day", TimeoutSeconds: 60}
	a := &db.Agent{ID: "a1", Slug: "dispatcher"}
	job := RenderCronRunnerJob(cj, a, testConfig())
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	env := envMap(job.Spec.Template.Spec.Containers[0].Env)
	assert.Equal(t, "summarize the day", env["PROMPT"])
	require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
}

func TestRenderScheduledCronJob_AppliesTimezone(t *testing.T) {
	cj := &db.CronJob{ID: "cron-uuid-1234", CronExpr: "0 9 * * *", Timezone: "America/New_York", Prompt: "good morning", TimeoutSeconds: 30}
	a := &db.Agent{ID: "a1", Slug: "dispatcher"}
	cronJob := RenderScheduledCronJob(cj, a, testConfig())
	assert.Equal(t, "cron-dispatcher-cron-uui", cronJob.Name)
	assert.Equal(t, "CRON_TZ=America/New_York 0 9 * * *", cronJob.Spec.Schedule)
	assert.Equal(t, "cron-uuid-1234", cronJob.Labels["cron-id"])
}

func TestRenderScheduledCronJob_NoTimezoneUsesBareSchedule(t *testing.T) {
	cj := &db.CronJob{ID: "cron-uuid-1234", CronExpr: "*/5 * * * *", Prompt: "check in", TimeoutSeconds: 30}
	a := &db.Agent{ID: "a1", Slug: "dispatcher"}
	cronJob := RenderScheduledCronJob(cj, a, testConfig())
	assert.Equal(t, "*/5 * * * *", cronJob.Spec.Schedule)
}

func TestRenderTaskJob_CarriesTaskAndSession(t *testing.T) {
	job := RenderTaskJob("a1-uuid", "s1-uuid", "summarize logs", 90, testConfig())
	env := envMap(job.Spec.Template.Spec.Containers[0].Env)
	assert.Equal(t, "summarize logs", env["TASK"])
	assert.Equal(t, "s1-uuid", env["SESSION_ID"])
	assert.Equal(t, "a1-uuid", job.Labels["falcon-eye/agent-id"])
	assert.Equal(t, "task-runner", job.Labels["app.kubernetes.io/component"])
}
