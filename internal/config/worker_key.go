package config

type WorkerKeyStruct struct {
	MonitoringEventsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	MonitoringEventsQueue: "monitoring_events_queue",
}
