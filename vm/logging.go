package vm

import "github.com/go-kit/log/level"

func (vm *VM) logDebug(msg string, kv ...interface{}) {
	level.Debug(vm.logger).Log(append([]interface{}{"msg", msg}, kv...)...)
}

func (vm *VM) logWarn(msg string, kv ...interface{}) {
	level.Warn(vm.logger).Log(append([]interface{}{"msg", msg}, kv...)...)
}

func (vm *VM) logError(msg string, kv ...interface{}) {
	level.Error(vm.logger).Log(append([]interface{}{"msg", msg}, kv...)...)
}
