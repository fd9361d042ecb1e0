/*
Package plugin resolves fault specs to the handlers that execute them.

Every handler is registered under a stable type key. Built-in handlers live in
the default plugin (DefaultPluginID); custom faults are contributed by other
plugins under Key(pluginID, faultName). Built-in and plugin handlers share the
same dispatch path:

	handler := registry.GetExtension(key)   // nil when unknown or disabled
	task, err := handler.Init(spec, taskID) // build the task, no side effects
	result, err := handler.Execute(ctx, task)

Each key has its own circuit breaker (sony/gobreaker). Five consecutive
infrastructure failures open it for 30 seconds, during which calls fail fast
with PLUGIN_OPERATION_ERROR. Validation and not-found errors do not count as
failures.

Plugins are loaded, unloaded, enabled and disabled explicitly. The default
plugin can be neither unloaded nor disabled.
*/
package plugin
