/*
Package bridge builds the capability surface exposed to plugin scripts.

Build is called once per load and returns an API whose functions close over that load
only. Installing it into a goja runtime defines the global plugin object:

	plugin.id, plugin.extensionId, plugin.instanceId, plugin.extensionType
	plugin.widget                          // frozen extension settings
	plugin.ui.render(html, {width, height})
	plugin.ui.postMessage(data)
	plugin.ui.resize(width, height)
	plugin.ui.show()
	plugin.ui.close()
	plugin.on(type, fn) / plugin.off(type, fn) / plugin.once(type, fn)
	plugin.scene.overrideProperty(patch)   // undefined or null retracts
	plugin.scene.property                  // merged property tree (read-only copy)
	plugin.plugins.postMessage(instanceId, data)
	plugin.plugins.instances

plus console.log/info/warn/error/debug.

Revoke turns every exposed function into a no-op. Hosts call it when the realm is
torn down or reloaded so that references captured by plugin code can never reach the
host again.
*/
package bridge
