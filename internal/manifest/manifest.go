// Package manifest builds the Kubernetes workload specs the control
// plane deploys: camera capture pods, recorder sidecars, agent pods, and
// cron-runner Jobs. Every function here has no side effects, and all but
// two are deterministic — the same entity and Config always produce the
// same struct literal, which keeps the reconciler's drift detection and
// the test suite simple. The exceptions are RenderCronRunnerJob and
// RenderTaskJob, which put the current time into the Job name.
package manifest

import (
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/falcon-eye/falcon-eye/internal/db"
)

// Config carries the image names and cluster facts manifests need that
// don't belong to any one entity.
type Config struct {
	Namespace       string
	APIURL          string
	CaptureImage    string
	NetworkImage    string
	RecorderImage   string
	AgentImage      string
	CronRunnerImage string
	JetsonNodes     map[string]bool
}

const (
	streamPort  = 8081
	controlPort = 8080
)

var (
	usbResources = resourceRequirements("128Mi", "100m", "512Mi", "500m")
	httpResources = resourceRequirements("64Mi", "50m", "256Mi", "250m")
)

func resourceRequirements(reqMem, reqCPU, limMem, limCPU string) corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse(reqMem),
			corev1.ResourceCPU:    resource.MustParse(reqCPU),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceMemory: resource.MustParse(limMem),
			corev1.ResourceCPU:    resource.MustParse(limCPU),
		},
	}
}

// Slugify converts name into the lowercase, hyphen-separated form used
// in Deployment/Service names, exported so other components (the
// recording supervisor resolving a recorder's Service name) can derive
// the same name without re-rendering the full manifest.
func Slugify(name string) string {
	return slugify(name)
}

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

func ownerLabels(kind, id string) map[string]string {
	switch kind {
	case "camera":
		return map[string]string{"app.kubernetes.io/managed-by": "falcon-eye", "falcon-eye/camera-id": id}
	case "recorder":
		return map[string]string{"app.kubernetes.io/managed-by": "falcon-eye", "falcon-eye/recorder-for": id}
	case "agent":
		return map[string]string{"app.kubernetes.io/managed-by": "falcon-eye", "falcon-eye/agent-id": id}
	case "cronjob":
		return map[string]string{"app.kubernetes.io/managed-by": "falcon-eye", "cron-id": id}
	default:
		return map[string]string{"app.kubernetes.io/managed-by": "falcon-eye"}
	}
}

func withNodeAffinity(spec *corev1.PodSpec, nodeName string, cfg Config) {
	if nodeName == "" {
		return
	}
	spec.NodeSelector = map[string]string{"kubernetes.io/hostname": nodeName}
	if cfg.JetsonNodes[nodeName] {
		spec.Tolerations = append(spec.Tolerations, corev1.Toleration{
			Key:      "dedicated",
			Operator: corev1.TolerationOpEqual,
			Value:    "jetson",
			Effect:   corev1.TaintEffectNoSchedule,
		})
	}
}

// Variant identifies which flavor of camera container to render.
type Variant string

const (
	VariantUSB   Variant = "usb"
	VariantRTSP  Variant = "rtsp"
	VariantONVIF Variant = "onvif"
	VariantHTTP  Variant = "http"
)

func variantFor(protocol string) Variant {
	switch protocol {
	case "usb":
		return VariantUSB
	case "rtsp":
		return VariantRTSP
	case "onvif":
		return VariantONVIF
	default:
		return VariantHTTP
	}
}

// CameraSpec is the rendered Deployment+Service pair for a camera.
type CameraSpec struct {
	Deployment *appsv1.Deployment
	Service    *corev1.Service
}

// RenderCamera builds the Deployment and Service for cam, dispatching on
// its protocol the way the USB/network container variants differ.
func RenderCamera(cam *db.Camera, cfg Config) (*CameraSpec, error) {
	variant := variantFor(cam.Protocol)
	slug := slugify(cam.Name)
	depName := fmt.Sprintf("cam-%s", slug)
	svcName := fmt.Sprintf("svc-%s", slug)

	var container corev1.Container
	var resources corev1.ResourceRequirements
	var volumes []corev1.Volume

	switch variant {
	case VariantUSB:
		resources = usbResources
		container, volumes = usbContainer(cam, cfg)
	case VariantRTSP, VariantONVIF, VariantHTTP:
		resources = httpResourcesFor(variant)
		container = networkContainer(cam, variant, cfg)
	default:
		return nil, fmt.Errorf("unknown camera protocol %q", cam.Protocol)
	}
	container.Resources = resources

	labels := ownerLabels("camera", cam.ID)
	labels["app"] = depName

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{container},
		Volumes:    volumes,
	}
	if variant == VariantUSB {
		podSpec.SecurityContext = &corev1.PodSecurityContext{}
	}
	withNodeAffinity(&podSpec, cam.NodeName, cfg)

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: depName, Namespace: cfg.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": depName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}

	svcPorts := []corev1.ServicePort{{Name: "stream", Port: streamPort, TargetPort: intstr.FromInt(streamPort)}}
	if variant == VariantUSB {
		svcPorts = append(svcPorts, corev1.ServicePort{Name: "control", Port: controlPort, TargetPort: intstr.FromInt(controlPort)})
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: svcName, Namespace: cfg.Namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": depName},
			Ports:    svcPorts,
		},
	}

	return &CameraSpec{Deployment: dep, Service: svc}, nil
}

func httpResourcesFor(v Variant) corev1.ResourceRequirements {
	if v == VariantHTTP {
		return httpResources
	}
	return usbResources
}

func usbContainer(cam *db.Camera, cfg Config) (corev1.Container, []corev1.Volume) {
	overlay := fmt.Sprintf("FALCON-EYE-%s", strings.ToUpper(cam.Name))
	configText := fmt.Sprintf(
		"device %s\nresolution %s\nfps %d\nstream_port %d\ncontrol_port %d\ntext_overlay %s\njpeg_quality 70\n",
		cam.DevicePath, cam.Resolution, cam.Framerate, streamPort, controlPort, overlay,
	)

	hostPathType := corev1.HostPathCharDev
	container := corev1.Container{
		Name:  "capture",
		Image: cfg.CaptureImage,
		SecurityContext: &corev1.SecurityContext{
			Privileged: boolPtr(true),
		},
		Env: []corev1.EnvVar{
			{Name: "MOTION_CONFIG", Value: configText},
			{Name: "DEVICE_PATH", Value: cam.DevicePath},
		},
		Ports: []corev1.ContainerPort{
			{Name: "stream", ContainerPort: streamPort},
			{Name: "control", ContainerPort: controlPort},
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "device", MountPath: cam.DevicePath},
		},
	}
	volumes := []corev1.Volume{
		{
			Name: "device",
			VolumeSource: corev1.VolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: cam.DevicePath, Type: &hostPathType},
			},
		},
	}
	return container, volumes
}

func networkContainer(cam *db.Camera, variant Variant, cfg Config) corev1.Container {
	name := map[Variant]string{VariantRTSP: "rtsp-relay", VariantONVIF: "onvif-relay", VariantHTTP: "http-relay"}[variant]
	w, h := splitResolution(cam.Resolution)
	return corev1.Container{
		Name:  name,
		Image: cfg.NetworkImage,
		Env: []corev1.EnvVar{
			{Name: "RTSP_URL", Value: cam.SourceURL},
			{Name: "WIDTH", Value: w},
			{Name: "HEIGHT", Value: h},
			{Name: "FPS", Value: fmt.Sprintf("%d", cam.Framerate)},
			{Name: "CAMERA_LABEL", Value: cam.Name},
		},
		Ports: []corev1.ContainerPort{{Name: "stream", ContainerPort: streamPort}},
	}
}

func splitResolution(res string) (string, string) {
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		return "640", "480"
	}
	return parts[0], parts[1]
}

// RenderRecorder builds the Deployment for the recorder sidecar of cam.
func RenderRecorder(cam *db.Camera, cfg Config) *appsv1.Deployment {
	slug := slugify(cam.Name)
	depName := fmt.Sprintf("rec-%s", slug)

	streamURL := cam.SourceURL
	switch cam.Protocol {
	case "usb":
		streamURL = fmt.Sprintf("http://svc-%s.%s.svc.cluster.local:8081/", slug, cfg.Namespace)
	case "http":
		streamURL = fmt.Sprintf("http://svc-%s.%s.svc.cluster.local:8081/", slug, cfg.Namespace)
	}

	container := corev1.Container{
		Name:  "recorder",
		Image: cfg.RecorderImage,
		Env: []corev1.EnvVar{
			{Name: "CAMERA_ID", Value: cam.ID},
			{Name: "CAMERA_NAME", Value: cam.Name},
			{Name: "STREAM_URL", Value: streamURL},
			{Name: "API_URL", Value: cfg.APIURL},
			{Name: "RECORDINGS_PATH", Value: "/recordings"},
			{Name: "SEGMENT_DURATION", Value: "3600"},
			{Name: "NODE_NAME", ValueFrom: &corev1.EnvVarSource{
				FieldRef: &corev1.ObjectFieldSelector{FieldPath: "spec.nodeName"},
			}},
		},
		Resources: usbResources,
	}

	labels := ownerLabels("recorder", cam.ID)
	labels["app"] = depName

	podSpec := corev1.PodSpec{Containers: []corev1.Container{container}}
	withNodeAffinity(&podSpec, cam.NodeName, cfg)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: depName, Namespace: cfg.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": depName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// AgentSpec is the rendered Deployment+Service pair for an agent.
type AgentSpec struct {
	Deployment *appsv1.Deployment
	Service    *corev1.Service
}

// RenderAgent builds the Deployment and ClusterIP Service for agent a.
// LLM credentials are never baked into the pod spec; they travel
// per-request from the chat router.
func RenderAgent(a *db.Agent, cfg Config) *AgentSpec {
	depName := fmt.Sprintf("agent-%s", a.Slug)
	svcName := fmt.Sprintf("svc-agent-%s", a.Slug)

	container := corev1.Container{
		Name:  "agent",
		Image: cfg.AgentImage,
		Env: []corev1.EnvVar{
			{Name: "AGENT_ID", Value: a.ID},
			{Name: "API_URL", Value: cfg.APIURL},
			{Name: "CHANNEL_TYPE", Value: a.ChannelType},
			{Name: "CHANNEL_CONFIG", Value: fmt.Sprintf("%v", a.ChannelConfig)},
			{Name: "AGENT_FILES_ROOT", Value: "/agent-files"},
		},
		Resources: resourceRequirements(orDefault(a.MemoryLimit, "128Mi"), orDefault(a.CPULimit, "100m"), orDefault(a.MemoryLimit, "512Mi"), orDefault(a.CPULimit, "500m")),
		Ports:     []corev1.ContainerPort{{Name: "http", ContainerPort: 8080}},
	}

	labels := ownerLabels("agent", a.ID)
	labels["app"] = depName

	podSpec := corev1.PodSpec{Containers: []corev1.Container{container}}
	withNodeAffinity(&podSpec, a.NodeName, cfg)

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: depName, Namespace: cfg.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": depName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: svcName, Namespace: cfg.Namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": depName},
			Ports:    []corev1.ServicePort{{Name: "http", Port: 8080, TargetPort: intstr.FromInt(8080)}},
		},
	}

	return &AgentSpec{Deployment: dep, Service: svc}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// RenderCronRunnerJob builds the one-shot Job that executes a single cron
// tick for agent a against cron job cj.
func RenderCronRunnerJob(cj *db.CronJob, a *db.Agent, cfg Config) *batchv1.Job {
	idPrefix := cj.ID
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}
	name := fmt.Sprintf("cron-%s-%s-%d", a.Slug, idPrefix, time.Now().Unix())
	ttl := int32(300)
	backoff := int32(0)

	container := corev1.Container{
		Name:  "cron-runner",
		Image: cfg.CronRunnerImage,
		Env: []corev1.EnvVar{
			{Name: "API_URL", Value: cfg.APIURL},
			{Name: "AGENT_ID", Value: a.ID},
			{Name: "CRON_JOB_ID", Value: cj.ID},
			{Name: "PROMPT", Value: cj.Prompt},
			{Name: "TIMEOUT_SECONDS", Value: fmt.Sprintf("%d", cj.TimeoutSeconds)},
		},
	}

	labels := ownerLabels("cronjob", cj.ID)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: cfg.Namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{container},
				},
			},
		},
	}
}

// RenderScheduledCronJob builds the cluster-level CronJob that ticks cj on
// its schedule, each run producing one cron-runner pod identical in shape
// to RenderCronRunnerJob's Job. Named deterministically from cj.ID so
// EnsureCronJob can find and patch it on schedule/prompt changes.
func RenderScheduledCronJob(cj *db.CronJob, a *db.Agent, cfg Config) *batchv1.CronJob {
	idPrefix := cj.ID
	if len(idPrefix) > 8 {
		idPrefix = idPrefix[:8]
	}
	name := fmt.Sprintf("cron-%s-%s", a.Slug, idPrefix)
	backoff := int32(0)
	ttl := int32(300)

	container := corev1.Container{
		Name:  "cron-runner",
		Image: cfg.CronRunnerImage,
		Env: []corev1.EnvVar{
			{Name: "API_URL", Value: cfg.APIURL},
			{Name: "AGENT_ID", Value: a.ID},
			{Name: "CRON_JOB_ID", Value: cj.ID},
			{Name: "PROMPT", Value: cj.Prompt},
			{Name: "TIMEOUT_SECONDS", Value: fmt.Sprintf("%d", cj.TimeoutSeconds)},
		},
	}

	labels := ownerLabels("cronjob", cj.ID)
	schedule := cj.CronExpr
	if cj.Timezone != "" {
		schedule = fmt.Sprintf("CRON_TZ=%s %s", cj.Timezone, cj.CronExpr)
	}

	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: cfg.Namespace, Labels: labels},
		Spec: batchv1.CronJobSpec{
			Schedule: schedule,
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: batchv1.JobSpec{
					BackoffLimit:            &backoff,
					TTLSecondsAfterFinished: &ttl,
					Template: corev1.PodTemplateSpec{
						ObjectMeta: metav1.ObjectMeta{Labels: labels},
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyNever,
							Containers:    []corev1.Container{container},
						},
					},
				},
			},
		},
	}
}

// RenderTaskJob builds the one-shot Job that backs the spawn_agent and
// delegate_task tools: it runs task against agentID/sessionID and posts
// the result back as a SaveMessage call, then exits. Distinct from
// RenderCronRunnerJob, which is keyed to a persistent cron_job_id instead
// of an ad-hoc task invocation.
func RenderTaskJob(agentID, sessionID, task string, timeoutSeconds int, cfg Config) *batchv1.Job {
	name := fmt.Sprintf("task-%s-%d", agentID[:min(8, len(agentID))], time.Now().UnixNano())
	backoff := int32(0)
	ttl := int32(300)

	container := corev1.Container{
		Name:  "task-runner",
		Image: cfg.CronRunnerImage,
		Env: []corev1.EnvVar{
			{Name: "API_URL", Value: cfg.APIURL},
			{Name: "AGENT_ID", Value: agentID},
			{Name: "SESSION_ID", Value: sessionID},
			{Name: "TASK", Value: task},
			{Name: "TIMEOUT_SECONDS", Value: fmt.Sprintf("%d", timeoutSeconds)},
		},
	}

	labels := ownerLabels("agent", agentID)
	labels["app.kubernetes.io/component"] = "task-runner"

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: cfg.Namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{container},
				},
			},
		},
	}
}

func int32Ptr(v int32) *int32 { return &v }
func boolPtr(v bool) *bool    { return &v }
