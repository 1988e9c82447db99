package anchor

import "fmt"

// CloudAnchorState mirrors the cloud anchor states reported by the AR runtime.
type CloudAnchorState int

const (
	CloudStateNone CloudAnchorState = iota
	CloudStateTaskInProgress
	CloudStateSuccess
	CloudStateErrorInternal
	CloudStateErrorNotAuthorized
	CloudStateErrorResourceExhausted
	CloudStateErrorHostingDatasetProcessingFailed
	CloudStateErrorCloudIDNotFound
	CloudStateErrorResolvingSDKVersionTooOld
	CloudStateErrorResolvingSDKVersionTooNew
	CloudStateErrorHostingServiceUnavailable
)

var cloudStateNames = map[CloudAnchorState]string{
	CloudStateNone:                                "NONE",
	CloudStateTaskInProgress:                      "TASK_IN_PROGRESS",
	CloudStateSuccess:                             "SUCCESS",
	CloudStateErrorInternal:                       "ERROR_INTERNAL",
	CloudStateErrorNotAuthorized:                  "ERROR_NOT_AUTHORIZED",
	CloudStateErrorResourceExhausted:              "ERROR_RESOURCE_EXHAUSTED",
	CloudStateErrorHostingDatasetProcessingFailed: "ERROR_HOSTING_DATASET_PROCESSING_FAILED",
	CloudStateErrorCloudIDNotFound:                "ERROR_CLOUD_ID_NOT_FOUND",
	CloudStateErrorResolvingSDKVersionTooOld:      "ERROR_RESOLVING_SDK_VERSION_TOO_OLD",
	CloudStateErrorResolvingSDKVersionTooNew:      "ERROR_RESOLVING_SDK_VERSION_TOO_NEW",
	CloudStateErrorHostingServiceUnavailable:      "ERROR_HOSTING_SERVICE_UNAVAILABLE",
}

func (s CloudAnchorState) String() string {
	if name, ok := cloudStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CloudAnchorState(%d)", int(s))
}

// IsTerminal reports whether no further progress is expected. Every state
// except None and TaskInProgress is terminal, success and errors alike.
func (s CloudAnchorState) IsTerminal() bool {
	return s != CloudStateNone && s != CloudStateTaskInProgress
}

func (s CloudAnchorState) IsError() bool {
	return s.IsTerminal() && s != CloudStateSuccess
}

// ParseCloudAnchorState accepts the names produced by String.
func ParseCloudAnchorState(raw string) (CloudAnchorState, error) {
	for state, name := range cloudStateNames {
		if name == raw {
			return state, nil
		}
	}
	return CloudStateNone, fmt.Errorf("unknown cloud anchor state %q", raw)
}
