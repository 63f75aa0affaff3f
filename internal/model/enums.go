package model

// Enum values are persisted as their integer value. Never renumber.

// JobStatus training job status
type JobStatus int

const (
	JobStatusQueued         JobStatus = 0
	JobStatusWaitingForData JobStatus = 1
	JobStatusPreprocessing  JobStatus = 2
	JobStatusTraining       JobStatus = 3
	JobStatusBacktesting    JobStatus = 4
	JobStatusCompleted      JobStatus = 5
	JobStatusFailed         JobStatus = 6
	JobStatusCancelled      JobStatus = 7
)

var jobStatusNames = map[JobStatus]string{
	JobStatusQueued:         "Queued",
	JobStatusWaitingForData: "WaitingForData",
	JobStatusPreprocessing:  "Preprocessing",
	JobStatusTraining:       "Training",
	JobStatusBacktesting:    "Backtesting",
	JobStatusCompleted:      "Completed",
	JobStatusFailed:         "Failed",
	JobStatusCancelled:      "Cancelled",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// IsTerminal reports whether no further transitions happen without a user command.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ActiveJobStatuses are the statuses a job can hold while a training run owns it.
var ActiveJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusWaitingForData,
	JobStatusPreprocessing,
	JobStatusTraining,
	JobStatusBacktesting,
}

// TerminalJobStatuses are Completed, Failed and Cancelled.
var TerminalJobStatuses = []JobStatus{
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// TaskStatus background task status
type TaskStatus int

const (
	TaskStatusPending   TaskStatus = 0
	TaskStatusRunning   TaskStatus = 1
	TaskStatusCompleted TaskStatus = 2
	TaskStatusFailed    TaskStatus = 3
	TaskStatusCancelled TaskStatus = 4
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusPending:
		return "Pending"
	case TaskStatusRunning:
		return "Running"
	case TaskStatusCompleted:
		return "Completed"
	case TaskStatusFailed:
		return "Failed"
	case TaskStatusCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// IsTerminal reports whether the task reached a write-once final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskType background task kind
type TaskType int

const (
	TaskTypeDatasetIngestion TaskType = 0
	TaskTypeModelTest        TaskType = 1
)

func (t TaskType) String() string {
	switch t {
	case TaskTypeDatasetIngestion:
		return "DatasetIngestion"
	case TaskTypeModelTest:
		return "ModelTest"
	}
	return "Unknown"
}

// DatasetStatus dataset ingestion status
type DatasetStatus int

const (
	DatasetStatusPending     DatasetStatus = 0
	DatasetStatusDownloading DatasetStatus = 1
	DatasetStatusReady       DatasetStatus = 2
	DatasetStatusFailed      DatasetStatus = 3
)

func (s DatasetStatus) String() string {
	switch s {
	case DatasetStatusPending:
		return "Pending"
	case DatasetStatusDownloading:
		return "Downloading"
	case DatasetStatusReady:
		return "Ready"
	case DatasetStatusFailed:
		return "Failed"
	}
	return "Unknown"
}

// ContainerType resource kind of a container
type ContainerType int

const (
	ContainerTypeCPU ContainerType = 0
	ContainerTypeGPU ContainerType = 1
	ContainerTypeRAM ContainerType = 2
)

func (t ContainerType) String() string {
	switch t {
	case ContainerTypeCPU:
		return "CPU"
	case ContainerTypeGPU:
		return "GPU"
	case ContainerTypeRAM:
		return "RAM"
	}
	return "Unknown"
}

// ModelType regression model family
type ModelType int

const (
	ModelTypeLinearRegression ModelType = 0
	ModelTypeMLP              ModelType = 1
	ModelTypeGradientBoosting ModelType = 2
)

func (t ModelType) String() string {
	switch t {
	case ModelTypeLinearRegression:
		return "LinearRegression"
	case ModelTypeMLP:
		return "MLP"
	case ModelTypeGradientBoosting:
		return "GradientBoosting"
	}
	return "Unknown"
}

// Valid reports whether t is a known model type.
func (t ModelType) Valid() bool {
	return t >= ModelTypeLinearRegression && t <= ModelTypeGradientBoosting
}

// TestStatus model test status
type TestStatus int

const (
	TestStatusPending   TestStatus = 0
	TestStatusRunning   TestStatus = 1
	TestStatusCompleted TestStatus = 2
	TestStatusFailed    TestStatus = 3
)

func (s TestStatus) String() string {
	switch s {
	case TestStatusPending:
		return "Pending"
	case TestStatusRunning:
		return "Running"
	case TestStatusCompleted:
		return "Completed"
	case TestStatusFailed:
		return "Failed"
	}
	return "Unknown"
}

// IsTerminal reports whether the test has finished
func (s TestStatus) IsTerminal() bool {
	return s == TestStatusCompleted || s == TestStatusFailed
}
