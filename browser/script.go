package browser

// Injected page scripts. The selector overlay records its outcome on a
// window global that PollSelection reads back: undefined means "no outcome
// yet", null means the user cancelled, an object is the drawn rectangle in
// document-relative CSS pixels.

const maskShowScript = `(() => {
	let m = document.getElementById('__pcl_mask');
	if (!m) {
		m = document.createElement('div');
		m.id = '__pcl_mask';
		m.style.cssText = 'position:fixed;inset:0;background:#fff;z-index:2147483646;';
		document.documentElement.appendChild(m);
	}
	m.style.display = 'block';
})()`

const maskHideScript = `(() => {
	const m = document.getElementById('__pcl_mask');
	if (m) m.style.display = 'none';
})()`

const settleFramesScript = `(n) => new Promise((resolve) => {
	const tick = (left) => left <= 0 ? resolve(true) : requestAnimationFrame(() => tick(left - 1));
	tick(n);
})`

const metricsScript = `(() => ({
	vw: window.innerWidth,
	vh: window.innerHeight,
	tw: Math.max(document.documentElement.scrollWidth, document.body ? document.body.scrollWidth : 0),
	th: Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0),
	sx: Math.round(window.scrollX),
	sy: Math.round(window.scrollY),
	dpr: window.devicePixelRatio || 1
}))()`

// Minimum drag size below which mouseup counts as a cancel, matching the
// Escape key.
const selectorScript = `(() => {
	if (window.__pclSelectorReady) return;
	delete window.__pclSelection;
	const overlay = document.createElement('div');
	overlay.id = '__pcl_selector';
	overlay.style.cssText = 'position:fixed;inset:0;cursor:crosshair;z-index:2147483647;background:rgba(0,0,0,0.15);';
	const rect = document.createElement('div');
	rect.style.cssText = 'position:fixed;border:1.5px dashed #fff;background:rgba(255,255,255,0.2);display:none;';
	overlay.appendChild(rect);
	document.documentElement.appendChild(overlay);

	let sx = 0, sy = 0, dragging = false;
	const finish = (outcome) => {
		window.__pclSelection = outcome;
		window.__pclSelectorReady = false;
		overlay.remove();
		document.removeEventListener('keydown', onKey, true);
	};
	const onKey = (e) => { if (e.key === 'Escape') { e.preventDefault(); finish(null); } };
	document.addEventListener('keydown', onKey, true);

	overlay.addEventListener('mousedown', (e) => {
		dragging = true; sx = e.clientX; sy = e.clientY;
		rect.style.display = 'block';
	});
	overlay.addEventListener('mousemove', (e) => {
		if (!dragging) return;
		const x = Math.min(sx, e.clientX), y = Math.min(sy, e.clientY);
		const w = Math.abs(e.clientX - sx), h = Math.abs(e.clientY - sy);
		rect.style.left = x + 'px'; rect.style.top = y + 'px';
		rect.style.width = w + 'px'; rect.style.height = h + 'px';
	});
	overlay.addEventListener('mouseup', (e) => {
		if (!dragging) return;
		dragging = false;
		const w = Math.abs(e.clientX - sx), h = Math.abs(e.clientY - sy);
		if (w < 8 || h < 8) { finish(null); return; }
		finish({
			x: Math.min(sx, e.clientX) + window.scrollX,
			y: Math.min(sy, e.clientY) + window.scrollY,
			width: w,
			height: h
		});
	});
	window.__pclSelectorReady = true;
})()`

const selectorProbeScript = `(() => window.__pclSelectorReady === true)()`

const selectorRemoveScript = `(() => {
	const o = document.getElementById('__pcl_selector');
	if (o) o.remove();
	window.__pclSelectorReady = false;
	delete window.__pclSelection;
})()`

// selectorPollScript distinguishes the three outcomes with a tagged result
// because Evaluate cannot tell undefined from null on its own.
const selectorPollScript = `(() => {
	if (!('__pclSelection' in window)) return { present: false };
	const s = window.__pclSelection;
	delete window.__pclSelection;
	if (s === null) return { present: true, cancelled: true };
	return { present: true, cancelled: false, x: s.x, y: s.y, width: s.width, height: s.height };
})()`
