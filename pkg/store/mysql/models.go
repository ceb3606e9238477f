package mysql

import "dio/pkg/store/mysql/model"

type (
	ScalingEvent    = model.ScalingEvent
	WorkerEvent     = model.WorkerEvent
	JSONStringArray = model.JSONStringArray
)
